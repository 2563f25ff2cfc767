package handlers

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/clearing/api/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/epoch"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// EpochResponse is the wire form of an epoch record.
type EpochResponse struct {
	ID           uint64     `json:"id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Finalized    bool       `json:"finalized"`
	MerkleRoot   string     `json:"merkle_root,omitempty"`
	TotalRewards uint64     `json:"total_rewards"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toEpochResponse(e *epoch.EpochRecord) EpochResponse {
	resp := EpochResponse{
		ID:           e.ID,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		Finalized:    e.Finalized,
		TotalRewards: e.TotalRewards,
		FinalizedAt:  e.FinalizedAt,
		CreatedAt:    e.CreatedAt,
	}
	if e.MerkleRoot != nil {
		resp.MerkleRoot = hex.EncodeToString(e.MerkleRoot[:])
	}
	return resp
}

// EpochStatsResponse aggregates receipt activity for one epoch.
type EpochStatsResponse struct {
	EpochID      uint64 `json:"epoch_id"`
	ReceiptCount uint64 `json:"receipt_count"`
	TotalVolume  uint64 `json:"total_volume"`
	TotalFees    uint64 `json:"total_fees"`
}

// CommitmentResponse is the wire form of a stored merkle commitment.
type CommitmentResponse struct {
	EpochID     uint64    `json:"epoch_id"`
	Token       string    `json:"token"`
	Root        string    `json:"root"`
	EntryCount  uint64    `json:"entry_count"`
	TotalAmount uint64    `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

func toCommitmentResponse(c *epoch.Commitment) CommitmentResponse {
	return CommitmentResponse{
		EpochID:     c.EpochID,
		Token:       c.Token.String(),
		Root:        hex.EncodeToString(c.Root[:]),
		EntryCount:  c.EntryCount,
		TotalAmount: c.TotalAmount,
		CreatedAt:   c.CreatedAt,
	}
}

// parseEpochID pulls the {id} route param. On failure it writes the error
// response and returns ok=false.
func parseEpochID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "Invalid epoch ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// GetCurrentEpoch returns the open epoch.
func GetCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	cur, err := engine.CurrentEpoch(r.Context())
	if err != nil {
		respondError(w, "Failed to get current epoch", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toEpochResponse(cur))
}

// GetEpoch returns a single epoch by id.
func GetEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}

	e, err := engine.GetEpoch(r.Context(), epochID)
	if err != nil {
		respondError(w, "Failed to get epoch", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toEpochResponse(e))
}

// GetEpochStats returns receipt aggregates for an epoch.
func GetEpochStats(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}

	stats, err := engine.EpochStats(r.Context(), epochID)
	if err != nil {
		respondError(w, "Failed to get epoch stats", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(EpochStatsResponse{
		EpochID:      stats.EpochID,
		ReceiptCount: stats.ReceiptCount,
		TotalVolume:  stats.TotalVolume,
		TotalFees:    stats.TotalFees,
	})
}

// GetEpochCommitment returns the stored commitment for an epoch. The token
// defaults to the engine's reward token.
func GetEpochCommitment(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}

	token := engine.RewardToken()
	if t := r.URL.Query().Get("token"); t != "" {
		var err error
		token, err = solana.PublicKeyFromBase58(t)
		if err != nil {
			http.Error(w, "Invalid token public key", http.StatusBadRequest)
			return
		}
	}

	c, err := engine.Commitment(r.Context(), epochID, token)
	if err != nil {
		respondError(w, "Failed to get commitment", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toCommitmentResponse(c))
}

// FinalizeEpochRequest is the body for POST /epochs/{id}/finalize.
type FinalizeEpochRequest struct {
	Root         string `json:"root"`
	EntryCount   uint64 `json:"entry_count"`
	TotalRewards uint64 `json:"total_rewards"`
	signedRequest
}

// FinalizeEpoch stamps an epoch with its merkle root. Operator signature
// required; a second finalize fails even with the same root.
func FinalizeEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}

	var req FinalizeEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := finalizeMessage(epochID, req.Root, req.EntryCount, req.TotalRewards)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	root, err := parseHash32(req.Root)
	if err != nil {
		http.Error(w, "Invalid merkle root", http.StatusBadRequest)
		return
	}

	as := settlement.Capability{Actor: signer, Role: settlement.RoleOperator}
	if err := engine.Finalize(r.Context(), as, epochID, root, req.EntryCount, req.TotalRewards); err != nil {
		respondError(w, "Failed to finalize epoch", err)
		return
	}
	metrics.EpochsFinalizedTotal.Inc()

	e, err := engine.GetEpoch(r.Context(), epochID)
	if err != nil {
		respondError(w, "Failed to get epoch", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toEpochResponse(e))
}

// AdvanceEpochRequest is the body for POST /epochs/advance. EpochID names
// the epoch being advanced past, binding the signature to a specific ledger
// state.
type AdvanceEpochRequest struct {
	EpochID uint64 `json:"epoch_id"`
	signedRequest
}

// AdvanceEpoch closes the current epoch and opens the next. Operator
// signature required; the current epoch must have ended and been finalized.
func AdvanceEpoch(w http.ResponseWriter, r *http.Request) {
	var req AdvanceEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	signer, ok := verifySignedRequest(w, req.signedRequest, advanceMessage(req.EpochID))
	if !ok {
		return
	}

	cur, err := engine.CurrentEpoch(r.Context())
	if err != nil {
		respondError(w, "Failed to get current epoch", err)
		return
	}
	if cur.ID != req.EpochID {
		http.Error(w, fmt.Sprintf("Epoch %d is not current", req.EpochID), http.StatusPreconditionFailed)
		return
	}

	as := settlement.Capability{Actor: signer, Role: settlement.RoleOperator}
	next, err := engine.Advance(r.Context(), as)
	if err != nil {
		respondError(w, "Failed to advance epoch", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toEpochResponse(next))
}

// SetEpochDurationRequest is the body for PUT /epochs/duration.
type SetEpochDurationRequest struct {
	DurationHours uint64 `json:"duration_hours"`
	signedRequest
}

// EpochDurationResponse reports the configured epoch duration.
type EpochDurationResponse struct {
	DurationHours uint64 `json:"duration_hours"`
}

// PutEpochDuration changes the duration used for future epochs. Operator
// signature required; bounds are enforced by the ledger.
func PutEpochDuration(w http.ResponseWriter, r *http.Request) {
	var req SetEpochDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	signer, ok := verifySignedRequest(w, req.signedRequest, durationMessage(req.DurationHours))
	if !ok {
		return
	}

	as := settlement.Capability{Actor: signer, Role: settlement.RoleOperator}
	if err := engine.SetEpochDuration(r.Context(), as, time.Duration(req.DurationHours)*time.Hour); err != nil {
		respondError(w, "Failed to set epoch duration", err)
		return
	}

	d, err := engine.EpochDuration(r.Context())
	if err != nil {
		respondError(w, "Failed to get epoch duration", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(EpochDurationResponse{DurationHours: uint64(d / time.Hour)})
}
