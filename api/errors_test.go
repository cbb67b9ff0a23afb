package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/remote"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("v1: %w", storage.ErrVaultNotFound), http.StatusNotFound, custody.CodeVaultNotFound},
		{storage.ErrNotFound, http.StatusNotFound, custody.CodeNotFound},
		{custody.ErrNoShare, http.StatusNotFound, custody.CodeNoShare},
		{custody.ErrRequestNotFound, http.StatusNotFound, custody.CodeRequestNotFound},
		{vault.ErrNomineeNotFound, http.StatusNotFound, custody.CodeNomineeNotFound},
		{storage.ErrCASFailed, http.StatusConflict, custody.CodeConflict},
		{custody.ErrRequestClosed, http.StatusConflict, custody.CodeRequestClosed},
		{custody.ErrShareSetMismatch, http.StatusConflict, custody.CodeShareSetMismatch},
		{vault.ErrNomineeInactive, http.StatusConflict, custody.CodeNomineeInactive},
		{custody.ErrNotReleasable, http.StatusForbidden, custody.CodeNotReleasable},
		{fmt.Errorf("%w: bad op", remote.ErrInvalidBatch), http.StatusBadRequest, custody.CodeInvalid},
		{threshold.ErrMalformedShare, http.StatusBadRequest, custody.CodeInvalid},
		{custody.ErrInvalidRequest, http.StatusBadRequest, custody.CodeInvalid},
		{vault.ErrIntegrityFailure, http.StatusInternalServerError, custody.CodeInternal},
		{errors.New("disk on fire"), http.StatusInternalServerError, custody.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			assert.Equal(t, tt.status, mapError(rec, tt.err))
			assert.Equal(t, tt.status, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestMapError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	mapError(rec, errors.New("pq: connection refused at 10.0.0.5"))
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestMapError_Backoff(t *testing.T) {
	rec := httptest.NewRecorder()
	status := mapError(rec, &custody.BackoffError{RetryAfter: 90 * time.Second})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, custody.CodeBackoff, body.Code)
	assert.Equal(t, 90, body.RetryAfter)

	rec = httptest.NewRecorder()
	mapError(rec, fmt.Errorf("release: %w", &custody.BackoffError{RetryAfter: 300 * time.Millisecond}))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"), "sub-second waits round up to one second")
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"vault-1", "WRAP", "alice@example.com", "a_b.c", "0f3c9b2e-4f6d-4d7a-9b1c-2a9e1d7f0c11"} {
		assert.True(t, validName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", "a b", "café", string(make([]byte, 129))} {
		assert.False(t, validName(bad), bad)
	}
}
