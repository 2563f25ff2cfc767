package handlers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/clearing/api/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
)

// ReceiptResponse is the wire form of a recorded receipt.
type ReceiptResponse struct {
	PaymentID    string    `json:"payment_id"`
	Payer        string    `json:"payer"`
	Merchant     string    `json:"merchant"`
	Agent        string    `json:"agent,omitempty"`
	Token        string    `json:"token"`
	Amount       uint64    `json:"amount"`
	ProtocolFee  uint64    `json:"protocol_fee"`
	PaidAt       time.Time `json:"paid_at"`
	EpochID      uint64    `json:"epoch_id"`
	RouteRefHash string    `json:"route_ref_hash,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func toReceiptResponse(r *receipt.Receipt) ReceiptResponse {
	resp := ReceiptResponse{
		PaymentID:   r.PaymentID,
		Payer:       r.Payer.String(),
		Merchant:    r.Merchant.String(),
		Token:       r.Token.String(),
		Amount:      r.Amount,
		ProtocolFee: r.ProtocolFee,
		PaidAt:      r.PaidAt,
		EpochID:     r.EpochID,
		RecordedAt:  r.RecordedAt,
	}
	if r.Agent != nil {
		resp.Agent = r.Agent.String()
	}
	if len(r.RouteRefHash) > 0 {
		resp.RouteRefHash = hex.EncodeToString(r.RouteRefHash)
	}
	return resp
}

// CreateReceiptRequest is the body for POST /receipts. The epoch id is
// stamped by the ledger; ingress never chooses it.
type CreateReceiptRequest struct {
	PaymentID    string    `json:"payment_id"`
	Payer        string    `json:"payer"`
	Merchant     string    `json:"merchant"`
	Agent        string    `json:"agent,omitempty"`
	Token        string    `json:"token"`
	Amount       uint64    `json:"amount"`
	ProtocolFee  uint64    `json:"protocol_fee"`
	PaidAt       time.Time `json:"paid_at"`
	RouteRefHash string    `json:"route_ref_hash,omitempty"`
	signedRequest
}

// PostReceipt records a finalized payment receipt into the current epoch.
func PostReceipt(w http.ResponseWriter, r *http.Request) {
	var req CreateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message := receiptMessage(req.PaymentID, req.Payer, req.Merchant, req.Agent, req.Token, req.Amount, req.ProtocolFee)
	signer, ok := verifySignedRequest(w, req.signedRequest, message)
	if !ok {
		return
	}
	if !requireIngress(w, signer) {
		return
	}

	payer, err := solana.PublicKeyFromBase58(req.Payer)
	if err != nil {
		http.Error(w, "Invalid payer public key", http.StatusBadRequest)
		return
	}
	merchant, err := solana.PublicKeyFromBase58(req.Merchant)
	if err != nil {
		http.Error(w, "Invalid merchant public key", http.StatusBadRequest)
		return
	}
	token, err := solana.PublicKeyFromBase58(req.Token)
	if err != nil {
		http.Error(w, "Invalid token public key", http.StatusBadRequest)
		return
	}

	rec := receipt.Receipt{
		PaymentID:   req.PaymentID,
		Payer:       payer,
		Merchant:    merchant,
		Token:       token,
		Amount:      req.Amount,
		ProtocolFee: req.ProtocolFee,
		PaidAt:      req.PaidAt,
	}
	if req.Agent != "" {
		agent, err := solana.PublicKeyFromBase58(req.Agent)
		if err != nil {
			http.Error(w, "Invalid agent public key", http.StatusBadRequest)
			return
		}
		rec.Agent = &agent
	}
	if req.RouteRefHash != "" {
		hash, err := hex.DecodeString(req.RouteRefHash)
		if err != nil {
			http.Error(w, "Invalid route ref hash", http.StatusBadRequest)
			return
		}
		rec.RouteRefHash = hash
	}

	recorded, err := engine.RecordReceipt(r.Context(), rec)
	if err != nil {
		respondError(w, "Failed to record receipt", err)
		return
	}
	metrics.RecordReceipt(recorded.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toReceiptResponse(recorded))
}

// GetReceipt returns a single receipt by payment id.
func GetReceipt(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if paymentID == "" {
		http.Error(w, "Payment ID is required", http.StatusBadRequest)
		return
	}

	rec, err := engine.GetReceipt(r.Context(), paymentID)
	if err != nil {
		respondError(w, "Failed to get receipt", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toReceiptResponse(rec))
}

// ListEpochReceipts returns the receipts recorded in an epoch, paginated.
func ListEpochReceipts(w http.ResponseWriter, r *http.Request) {
	epochID, ok := parseEpochID(w, r)
	if !ok {
		return
	}
	page := ParsePagination(r, DefaultLimit)

	receipts, err := engine.ListReceipts(r.Context(), epochID, page.Limit, page.Offset)
	if err != nil {
		respondError(w, "Failed to list receipts", err)
		return
	}

	items := make([]ReceiptResponse, len(receipts))
	for i, rec := range receipts {
		items[i] = toReceiptResponse(rec)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewPaginatedResponse(items, page))
}
