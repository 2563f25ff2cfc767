package handlers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/clearing/api/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/attest"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// AttestationResponse is the JSON shape of a bonded attestation.
type AttestationResponse struct {
	ID                string     `json:"id"`
	Attester          string     `json:"attester"`
	ContentHash       string     `json:"content_hash"`
	BondAmount        uint64     `json:"bond_amount"`
	Status            string     `json:"status"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	ChallengeDeadline time.Time  `json:"challenge_deadline"`
	Challenger        *string    `json:"challenger,omitempty"`
	ChallengeReason   *string    `json:"challenge_reason,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

func toAttestationResponse(a *attest.Attestation) AttestationResponse {
	resp := AttestationResponse{
		ID:                a.ID,
		Attester:          a.Attester.String(),
		ContentHash:       hex.EncodeToString(a.ContentHash[:]),
		BondAmount:        a.BondAmount,
		Status:            string(a.Status),
		SubmittedAt:       a.SubmittedAt,
		ChallengeDeadline: a.ChallengeDeadline,
		ChallengeReason:   a.ChallengeReason,
		ResolvedAt:        a.ResolvedAt,
	}
	if a.Challenger != nil {
		s := a.Challenger.String()
		resp.Challenger = &s
	}
	return resp
}

// AttestationRequest is the body for POST /attestations. The signer is the
// attester posting the bond.
type AttestationRequest struct {
	ContentHash string `json:"content_hash"`
	BondAmount  uint64 `json:"bond_amount"`
	signedRequest
}

// PostAttestation submits a bonded attestation and opens its challenge
// window.
func PostAttestation(w http.ResponseWriter, r *http.Request) {
	var req AttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := attestMessage(req.ContentHash, req.BondAmount)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	contentHash, err := parseHash32(req.ContentHash)
	if err != nil {
		http.Error(w, "Invalid content hash", http.StatusBadRequest)
		return
	}

	att, err := engine.SubmitAttestation(r.Context(), signer, contentHash, req.BondAmount)
	if err != nil {
		respondError(w, "Failed to submit attestation", err)
		return
	}
	metrics.RecordAttestationEvent("submitted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toAttestationResponse(att))
}

// GetAttestation returns one attestation by id.
func GetAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Attestation ID is required", http.StatusBadRequest)
		return
	}

	att, err := engine.GetAttestation(r.Context(), id)
	if err != nil {
		respondError(w, "Failed to get attestation", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAttestationResponse(att))
}

// ChallengeRequest is the body for POST /attestations/{id}/challenge. The
// signer is the challenger.
type ChallengeRequest struct {
	Reason string `json:"reason"`
	signedRequest
}

// ChallengeAttestation disputes an attestation inside its challenge window.
func ChallengeAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := challengeMessage(id, req.Reason)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	att, err := engine.Challenge(r.Context(), id, signer, req.Reason)
	if err != nil {
		respondError(w, "Failed to challenge attestation", err)
		return
	}
	metrics.RecordAttestationEvent("challenged")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAttestationResponse(att))
}

// ArbitrateRequest is the body for POST /attestations/{id}/arbitrate. The
// signer must be a configured arbiter.
type ArbitrateRequest struct {
	ChallengeSucceeded bool `json:"challenge_succeeded"`
	signedRequest
}

// ArbitrateResponse carries the resolved attestation and the payout
// instructions the ruling produced.
type ArbitrateResponse struct {
	Attestation AttestationResponse   `json:"attestation"`
	Payouts     []InstructionResponse `json:"payouts"`
}

// ArbitrateAttestation resolves a challenged attestation. A successful
// challenge splits the bond between challenger and attester; a failed one
// validates the attestation with the bond intact.
func ArbitrateAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ArbitrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := arbitrateMessage(id, req.ChallengeSucceeded)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	as := settlement.Capability{Actor: signer, Role: settlement.RoleArbiter}
	att, insts, err := engine.Arbitrate(r.Context(), as, id, req.ChallengeSucceeded)
	if err != nil {
		respondError(w, "Failed to arbitrate attestation", err)
		return
	}
	metrics.RecordAttestationEvent("arbitrated")

	payouts := make([]InstructionResponse, len(insts))
	for i := range insts {
		payouts[i] = toInstructionResponse(&insts[i])
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ArbitrateResponse{
		Attestation: toAttestationResponse(att),
		Payouts:     payouts,
	})
}

// ValidateAttestation promotes a pending attestation to valid once its
// challenge window has lapsed unchallenged. Anyone may call it; the clock is
// the only authority.
func ValidateAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Attestation ID is required", http.StatusBadRequest)
		return
	}

	att, err := engine.Validate(r.Context(), id)
	if err != nil {
		respondError(w, "Failed to validate attestation", err)
		return
	}
	metrics.RecordAttestationEvent("validated")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAttestationResponse(att))
}

// WithdrawRequest is the body for POST /attestations/{id}/withdraw. The
// signer must be the attester.
type WithdrawRequest struct {
	signedRequest
}

// WithdrawResponse carries the closed attestation and the bond return
// instruction.
type WithdrawResponse struct {
	Attestation AttestationResponse `json:"attestation"`
	Payout      InstructionResponse `json:"payout"`
}

// WithdrawAttestationBond returns the bond of a validated attestation to its
// attester.
func WithdrawAttestationBond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := withdrawMessage(id)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	att, inst, err := engine.WithdrawBond(r.Context(), id, signer)
	if err != nil {
		respondError(w, "Failed to withdraw bond", err)
		return
	}
	metrics.RecordAttestationEvent("withdrawn")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(WithdrawResponse{
		Attestation: toAttestationResponse(att),
		Payout:      toInstructionResponse(inst),
	})
}

// AttesterStatsResponse summarizes an attester's track record.
type AttesterStatsResponse struct {
	Account       string `json:"account"`
	ValidCount    uint64 `json:"valid_count"`
	SlashedCount  uint64 `json:"slashed_count"`
	ChallengeWins uint64 `json:"challenge_wins"`
}

// GetAttesterStats returns the lifetime attestation counters for one
// account.
func GetAttesterStats(w http.ResponseWriter, r *http.Request) {
	account, ok := parseKeyParam(w, r, "account")
	if !ok {
		return
	}

	stats, err := engine.AttesterStats(r.Context(), account)
	if err != nil {
		respondError(w, "Failed to get attester stats", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(AttesterStatsResponse{
		Account:       stats.Account.String(),
		ValidCount:    stats.ValidCount,
		SlashedCount:  stats.SlashedCount,
		ChallengeWins: stats.ChallengeWins,
	})
}
