package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/malbeclabs/clearing/api/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/claim"
)

// ClaimRecordResponse is one settled claim in a claims listing.
type ClaimRecordResponse struct {
	EpochID   uint64    `json:"epoch_id"`
	Amount    uint64    `json:"amount"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ClaimsResponse lists an account's settled claims and cumulative total for
// one token.
type ClaimsResponse struct {
	Token      string                `json:"token"`
	Account    string                `json:"account"`
	Cumulative uint64                `json:"cumulative"`
	Claimed    []ClaimRecordResponse `json:"claimed"`
}

// CanClaimResponse reports claim eligibility for one (epoch, amount, proof).
type CanClaimResponse struct {
	CanClaim       bool `json:"can_claim"`
	AlreadyClaimed bool `json:"already_claimed"`
}

// parseProof decodes sibling hashes from hex.
func parseProof(hexes []string) ([][32]byte, error) {
	proof := make([][32]byte, len(hexes))
	for i, s := range hexes {
		h, err := parseHash32(s)
		if err != nil {
			return nil, fmt.Errorf("proof element %d: %w", i, err)
		}
		proof[i] = h
	}
	return proof, nil
}

// GetClaims returns the epochs an account has claimed for a token, plus the
// cumulative claimed total.
func GetClaims(w http.ResponseWriter, r *http.Request) {
	token, ok := parseKeyParam(w, r, "token")
	if !ok {
		return
	}
	account, ok := parseKeyParam(w, r, "account")
	if !ok {
		return
	}

	records, err := engine.Claimed(r.Context(), token, account)
	if err != nil {
		respondError(w, "Failed to list claims", err)
		return
	}
	cumulative, err := engine.Cumulative(r.Context(), account, token)
	if err != nil {
		respondError(w, "Failed to get cumulative total", err)
		return
	}

	claimed := make([]ClaimRecordResponse, len(records))
	for i, rec := range records {
		claimed[i] = ClaimRecordResponse{
			EpochID:   rec.EpochID,
			Amount:    rec.Amount,
			ClaimedAt: rec.ClaimedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ClaimsResponse{
		Token:      token.String(),
		Account:    account.String(),
		Cumulative: cumulative,
		Claimed:    claimed,
	})
}

// GetCanClaim checks claim eligibility without mutating anything. The proof
// query param is a comma-separated list of hex sibling hashes; without it
// only proofless (single-entry) commitments can report true.
func GetCanClaim(w http.ResponseWriter, r *http.Request) {
	token, ok := parseKeyParam(w, r, "token")
	if !ok {
		return
	}
	account, ok := parseKeyParam(w, r, "account")
	if !ok {
		return
	}

	epochID, err := strconv.ParseUint(r.URL.Query().Get("epoch"), 10, 64)
	if err != nil || epochID == 0 {
		http.Error(w, "epoch query parameter is required", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		http.Error(w, "amount query parameter is required", http.StatusBadRequest)
		return
	}

	var proof [][32]byte
	if p := r.URL.Query().Get("proof"); p != "" {
		proof, err = parseProof(splitCommaList(p))
		if err != nil {
			http.Error(w, "Invalid proof", http.StatusBadRequest)
			return
		}
	}

	can, err := engine.CanClaim(r.Context(), epochID, token, account, amount, proof)
	if err != nil {
		respondError(w, "Failed to check claim", err)
		return
	}
	claimed, err := engine.IsClaimed(r.Context(), epochID, token, account)
	if err != nil {
		respondError(w, "Failed to check claim", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CanClaimResponse{CanClaim: can, AlreadyClaimed: claimed})
}

// ClaimRequest is the body for POST /claims. The signer is the claiming
// account.
type ClaimRequest struct {
	EpochID uint64   `json:"epoch_id"`
	Token   string   `json:"token"`
	Amount  uint64   `json:"amount"`
	Proof   []string `json:"proof"`
	signedRequest
}

// PostClaim settles one (epoch, token, account) claim against the stored
// commitment and returns the payout instruction.
func PostClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := claimMessage(req.EpochID, req.Token, req.Signer, req.Amount)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	token, ok := parseKeyField(w, req.Token, "token")
	if !ok {
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		http.Error(w, "Invalid proof", http.StatusBadRequest)
		return
	}

	inst, err := engine.Claim(r.Context(), req.EpochID, token, signer, req.Amount, proof)
	if err != nil {
		respondError(w, "Failed to claim", err)
		return
	}
	metrics.RecordClaim("single", inst.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toInstructionResponse(inst))
}

// ClaimBatchEntry is one epoch's claim inside a batch.
type ClaimBatchEntry struct {
	EpochID uint64   `json:"epoch_id"`
	Amount  uint64   `json:"amount"`
	Proof   []string `json:"proof"`
}

// ClaimBatchRequest is the body for POST /claims/batch.
type ClaimBatchRequest struct {
	Token   string            `json:"token"`
	Entries []ClaimBatchEntry `json:"entries"`
	signedRequest
}

// ClaimBatchResponse carries the single payout instruction for the eligible
// subset of a batch. Instruction is null when no entry was eligible.
type ClaimBatchResponse struct {
	Instruction *InstructionResponse `json:"instruction"`
}

// PostClaimBatch settles the eligible subset of a multi-epoch claim in one
// transaction. Ineligible entries are skipped silently.
func PostClaimBatch(w http.ResponseWriter, r *http.Request) {
	var req ClaimBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := claimBatchMessage(req.Token, req.Signer, req.Entries)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}

	token, ok := parseKeyField(w, req.Token, "token")
	if !ok {
		return
	}

	entries := make([]claim.Entry, len(req.Entries))
	for i, e := range req.Entries {
		proof, err := parseProof(e.Proof)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid proof for epoch %d", e.EpochID), http.StatusBadRequest)
			return
		}
		entries[i] = claim.Entry{EpochID: e.EpochID, Amount: e.Amount, Proof: proof}
	}

	inst, err := engine.ClaimBatch(r.Context(), entries, token, signer)
	if err != nil {
		respondError(w, "Failed to claim batch", err)
		return
	}

	resp := ClaimBatchResponse{}
	if inst != nil {
		metrics.RecordClaim("batch", inst.Amount)
		ir := toInstructionResponse(inst)
		resp.Instruction = &ir
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
