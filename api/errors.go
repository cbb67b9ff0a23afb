package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/remote"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// mapError writes the response for err and returns the status used.
func mapError(w http.ResponseWriter, err error) int {
	code := custody.ErrorCode(err)
	var backoff *custody.BackoffError
	switch {
	case errors.As(err, &backoff):
		writeRetryAfter(w, backoff.RetryAfter, err.Error())
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrVaultNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, custody.ErrNoShare),
		errors.Is(err, custody.ErrRequestNotFound),
		errors.Is(err, vault.ErrNomineeNotFound):
		writeError(w, http.StatusNotFound, code, err.Error())
		return http.StatusNotFound
	case errors.Is(err, storage.ErrCASFailed),
		errors.Is(err, custody.ErrRequestClosed),
		errors.Is(err, custody.ErrShareSetMismatch),
		errors.Is(err, vault.ErrNomineeInactive):
		writeError(w, http.StatusConflict, code, err.Error())
		return http.StatusConflict
	case errors.Is(err, custody.ErrNotReleasable):
		writeError(w, http.StatusForbidden, code, err.Error())
		return http.StatusForbidden
	case errors.Is(err, remote.ErrInvalidBatch),
		errors.Is(err, custody.ErrInvalidRequest),
		errors.Is(err, threshold.ErrMalformedShare),
		vault.IsValidationError(err):
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, err.Error())
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrIntegrityFailure):
		writeError(w, http.StatusInternalServerError, custody.CodeInternal, "integrity failure")
	default:
		writeError(w, http.StatusInternalServerError, custody.CodeInternal, "internal error")
	}
	return http.StatusInternalServerError
}
