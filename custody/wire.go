package custody

import (
	"errors"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

// DepositBody is the JSON body of a deposit call.
type DepositBody struct {
	ShareSetID string          `json:"share_set_id"`
	Share      threshold.Share `json:"share"`
}

// RequestBody is the JSON body of a release request.
type RequestBody struct {
	NomineeID string `json:"nominee_id"`
}

// RequestList is the JSON response listing release requests.
type RequestList struct {
	Requests []*Request `json:"requests"`
}

// ReleaseResponse carries a released custodial share.
type ReleaseResponse struct {
	Share   threshold.Share `json:"share"`
	Request *Request        `json:"request"`
}

// Error codes carried in API error bodies.
const (
	CodeNoShare          = "no_share"
	CodeShareSetMismatch = "share_set_mismatch"
	CodeRequestNotFound  = "request_not_found"
	CodeRequestClosed    = "request_closed"
	CodeNotReleasable    = "not_releasable"
	CodeBackoff          = "backoff"
	CodeNomineeNotFound  = "nominee_not_found"
	CodeNomineeInactive  = "nominee_inactive"
	CodeVaultNotFound    = "vault_not_found"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInvalid          = "invalid_request"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeNoShare, ErrNoShare},
	{CodeShareSetMismatch, ErrShareSetMismatch},
	{CodeRequestNotFound, ErrRequestNotFound},
	{CodeRequestClosed, ErrRequestClosed},
	{CodeNotReleasable, ErrNotReleasable},
	{CodeNomineeNotFound, vault.ErrNomineeNotFound},
	{CodeNomineeInactive, vault.ErrNomineeInactive},
	{CodeVaultNotFound, storage.ErrVaultNotFound},
	{CodeNotFound, storage.ErrNotFound},
	{CodeConflict, storage.ErrCASFailed},
	{CodeInvalid, ErrInvalidRequest},
}

// ErrorCode returns the wire code for err, or CodeInternal.
func ErrorCode(err error) string {
	var be *BackoffError
	if errors.As(err, &be) {
		return CodeBackoff
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// CodeError returns the sentinel for a wire code, or nil for codes without one.
func CodeError(code string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}
