// Package handlers implements the HTTP surface of the clearing API.
// Handlers are package-level functions configured once at startup via
// Configure and mounted under /api by settlementd.
package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// Config wires the handlers to the settlement engine.
type Config struct {
	Engine *settlement.Engine

	// IngressKeys are the signers allowed to record receipts. An empty set
	// accepts any verified signer; production deployments configure the
	// payment processor keys here.
	IngressKeys []solana.PublicKey
}

var (
	engine      *settlement.Engine
	ingressKeys map[solana.PublicKey]struct{}
)

// Configure installs the engine the handlers serve. Must be called before
// any handler runs.
func Configure(cfg Config) error {
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	engine = cfg.Engine
	ingressKeys = make(map[solana.PublicKey]struct{}, len(cfg.IngressKeys))
	for _, k := range cfg.IngressKeys {
		ingressKeys[k] = struct{}{}
	}
	return nil
}

// Routes builds the /api route tree served by settlementd.
func Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/config", GetConfig)
	r.Get("/status", GetStatus)
	r.Get("/version", GetVersion)

	r.Post("/receipts", PostReceipt)
	r.Get("/receipts/{paymentID}", GetReceipt)

	r.Get("/epochs/current", GetCurrentEpoch)
	r.Post("/epochs/advance", AdvanceEpoch)
	r.Put("/epochs/duration", PutEpochDuration)
	r.Get("/epochs/{id}", GetEpoch)
	r.Get("/epochs/{id}/stats", GetEpochStats)
	r.Get("/epochs/{id}/receipts", ListEpochReceipts)
	r.Get("/epochs/{id}/commitment", GetEpochCommitment)
	r.Post("/epochs/{id}/finalize", FinalizeEpoch)

	r.Route("/claims", func(r chi.Router) {
		r.Use(RateLimitMiddleware(ClaimRateLimiter))
		r.Post("/", PostClaim)
		r.Post("/batch", PostClaimBatch)
		r.Get("/{token}/{account}", GetClaims)
		r.Get("/{token}/{account}/can", GetCanClaim)
	})

	r.Post("/attestations", PostAttestation)
	r.Get("/attestations/{id}", GetAttestation)
	r.Post("/attestations/{id}/challenge", ChallengeAttestation)
	r.Post("/attestations/{id}/arbitrate", ArbitrateAttestation)
	r.Post("/attestations/{id}/validate", ValidateAttestation)
	r.Post("/attestations/{id}/withdraw", WithdrawAttestationBond)
	r.Get("/attesters/{account}/stats", GetAttesterStats)

	r.Get("/payouts/{account}", ListAccountPayouts)

	return r
}

// parseHash32 decodes a 64-character hex string into a 32-byte hash.
func parseHash32(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// parseKeyParam decodes a base58 public key URL parameter, writing a 400 on
// failure.
func parseKeyParam(w http.ResponseWriter, r *http.Request, name string) (solana.PublicKey, bool) {
	return parseKeyField(w, chi.URLParam(r, name), name)
}

// parseKeyField decodes a base58 public key from a request field, writing a
// 400 on failure.
func parseKeyField(w http.ResponseWriter, value, name string) (solana.PublicKey, bool) {
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		http.Error(w, "Invalid "+name+" public key", http.StatusBadRequest)
		return solana.PublicKey{}, false
	}
	return key, true
}

// splitCommaList splits a comma-separated query value, dropping empty parts.
func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
