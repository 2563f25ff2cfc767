package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Write endpoints carry an Ed25519 signature over a canonical message built
// from the operation's fields. The message format is versioned so clients
// and server stay in lockstep:
//
//	clearing:<op>:v1:<field>:<field>:...
//
// Replaying a captured request is harmless: every mutation is idempotent or
// state-bound, so a replay fails with the same Conflict or Precondition
// error a double submit would.

// signedRequest is the auth envelope embedded in every write body.
type signedRequest struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// verifySignedRequest checks the envelope signature over message and returns
// the signer's key. On failure it writes the error response and returns
// ok=false.
func verifySignedRequest(w http.ResponseWriter, req signedRequest, message string) (solana.PublicKey, bool) {
	signer, err := solana.PublicKeyFromBase58(req.Signer)
	if err != nil {
		http.Error(w, "Invalid signer public key", http.StatusBadRequest)
		return solana.PublicKey{}, false
	}

	valid, err := verifyEd25519Signature(req.Signer, message, req.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return solana.PublicKey{}, false
	}
	if !valid {
		http.Error(w, "Signature verification failed", http.StatusUnprocessableEntity)
		return solana.PublicKey{}, false
	}

	return signer, true
}

// requireIngress checks the signer against the configured recorder set. An
// empty set accepts any verified signer.
func requireIngress(w http.ResponseWriter, signer solana.PublicKey) bool {
	if len(ingressKeys) == 0 {
		return true
	}
	if _, ok := ingressKeys[signer]; !ok {
		http.Error(w, "Signer is not an authorized recorder", http.StatusForbidden)
		return false
	}
	return true
}

// Canonical message builders. Field order is part of the wire contract; an
// absent optional field is the empty string.

func receiptMessage(paymentID, payer, merchant, agent, token string, amount, fee uint64) string {
	return fmt.Sprintf("clearing:receipt:v1:%s:%s:%s:%s:%s:%d:%d", paymentID, payer, merchant, agent, token, amount, fee)
}

func finalizeMessage(epochID uint64, rootHex string, entryCount, totalRewards uint64) string {
	return fmt.Sprintf("clearing:finalize:v1:%d:%s:%d:%d", epochID, rootHex, entryCount, totalRewards)
}

func advanceMessage(epochID uint64) string {
	return fmt.Sprintf("clearing:advance:v1:%d", epochID)
}

func durationMessage(hours uint64) string {
	return fmt.Sprintf("clearing:set-duration:v1:%d", hours)
}

func claimMessage(epochID uint64, token, account string, amount uint64) string {
	return fmt.Sprintf("clearing:claim:v1:%d:%s:%s:%d", epochID, token, account, amount)
}

func claimBatchMessage(token, account string, entries []ClaimBatchEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%d=%d", e.EpochID, e.Amount)
	}
	return fmt.Sprintf("clearing:claim-batch:v1:%s:%s:%s", token, account, strings.Join(parts, ","))
}

func attestMessage(contentHashHex string, bond uint64) string {
	return fmt.Sprintf("clearing:attest:v1:%s:%d", contentHashHex, bond)
}

func challengeMessage(id, reason string) string {
	return fmt.Sprintf("clearing:challenge:v1:%s:%s", id, reason)
}

func arbitrateMessage(id string, challengeSucceeded bool) string {
	return fmt.Sprintf("clearing:arbitrate:v1:%s:%t", id, challengeSucceeded)
}

func withdrawMessage(id string) string {
	return fmt.Sprintf("clearing:withdraw:v1:%s", id)
}

// GetIPFromRequest extracts the client IP, preferring proxy headers over the
// socket address.
func GetIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
