package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/malbeclabs/clearing/api/handlers/dberror"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
)

// domainStatus maps engine sentinels onto HTTP status codes. Returns 0 for
// errors that are not domain errors.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidReceipt),
		errors.Is(err, settlement.ErrInvalidRoot),
		errors.Is(err, settlement.ErrInvalidDuration),
		errors.Is(err, settlement.ErrEmptyContentHash),
		errors.Is(err, settlement.ErrBondTooLow):
		return http.StatusBadRequest

	case errors.Is(err, settlement.ErrUnauthorized),
		errors.Is(err, settlement.ErrNotAttester),
		errors.Is(err, settlement.ErrSelfChallenge):
		return http.StatusForbidden

	case errors.Is(err, settlement.ErrReceiptNotFound),
		errors.Is(err, settlement.ErrUnknownEpoch),
		errors.Is(err, settlement.ErrNoCommitment),
		errors.Is(err, settlement.ErrAttestationNotFound):
		return http.StatusNotFound

	case errors.Is(err, settlement.ErrDuplicateReceipt),
		errors.Is(err, settlement.ErrAlreadyClaimed),
		errors.Is(err, settlement.ErrAlreadyFinalized),
		errors.Is(err, settlement.ErrAttestationExists):
		return http.StatusConflict

	case errors.Is(err, settlement.ErrEpochNotEnded),
		errors.Is(err, settlement.ErrCurrentEpochNotFinalized),
		errors.Is(err, settlement.ErrRootNotSet),
		errors.Is(err, settlement.ErrInvalidStatus),
		errors.Is(err, settlement.ErrChallengeWindowClosed),
		errors.Is(err, settlement.ErrChallengeWindowOpen),
		errors.Is(err, settlement.ErrNoBond):
		return http.StatusPreconditionFailed

	case errors.Is(err, settlement.ErrInvalidProof):
		return http.StatusUnprocessableEntity
	}
	return 0
}

// respondError translates an engine error into an HTTP response. Domain
// errors surface their own text under the mapped status; transient database
// errors get a sanitized message with 503; anything else is a logged 500.
func respondError(w http.ResponseWriter, msg string, err error) {
	if status := domainStatus(err); status != 0 {
		http.Error(w, err.Error(), status)
		return
	}
	if dberror.IsTransient(err) {
		slog.Warn(msg, "error", err)
		http.Error(w, dberror.UserMessage(err), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, internalError(msg, err), http.StatusInternalServerError)
}

// internalError logs the underlying error and returns the sanitized message
// served to the client.
func internalError(msg string, err error) string {
	slog.Error(msg, "error", err)
	return msg
}
