package vault

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/threshold"
)

var (
	// ErrInvalidCredential covers a wrong password, a wrong recovery artifact
	// and an unknown vault alike.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrIntegrityFailure means authenticated decryption failed on a record
	// that should have opened with the key in hand.
	ErrIntegrityFailure = errors.New("integrity failure")
	// ErrMissingKeyMaterial means an expected wrap or member record is absent.
	ErrMissingKeyMaterial = errors.New("missing key material: vault needs re-initialization or recovery")
	// ErrThresholdInsufficient is returned when fewer than two valid shares are supplied.
	ErrThresholdInsufficient = threshold.ErrThresholdInsufficient
	// ErrPartialCommit means a rewrap persisted some but not all of its records.
	ErrPartialCommit = errors.New("partial commit detected")
	// ErrSyncConflict means the local cache disagreed with the server.
	ErrSyncConflict = errors.New("sync conflict: local key material discarded")
	// ErrResetRequired is returned by every session operation until the
	// forced reset completes.
	ErrResetRequired = errors.New("password reset required")
	// ErrLocked is returned after Lock or session expiry.
	ErrLocked = errors.New("session locked")
	// ErrBusy is returned when another unlock or rewrap is in flight.
	ErrBusy = errors.New("vault busy")
	// ErrWeakPassword is returned when a new password fails the strength check.
	ErrWeakPassword = errors.New("password too weak")
	// ErrPasswordMismatch is returned when a new password and its confirmation differ.
	ErrPasswordMismatch = errors.New("password confirmation does not match")
	// ErrNomineeInactive is returned for a nominee whose share set has been superseded.
	ErrNomineeInactive = errors.New("nominee is inactive and must be reissued")
	// ErrVaultBlocked is returned once a PartialCommit has been detected.
	ErrVaultBlocked = errors.New("vault blocked pending manual reconciliation")
	// ErrVaultExists is returned by Create when the vault already has state.
	ErrVaultExists = errors.New("vault already exists")
	// ErrMemberNotFound is returned for an unknown member id.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMemberExists is returned by AddMember for an id already in use.
	ErrMemberExists = errors.New("member already exists")
	// ErrNomineeNotFound is returned for an unknown nominee id.
	ErrNomineeNotFound = errors.New("nominee not found")
	// ErrNoShareSet is returned when nominee operations run before RegenerateShares.
	ErrNoShareSet = errors.New("no share set: call RegenerateShares first")
	// ErrStaleShare is returned by RecoverWithShares for a share that is not
	// part of the current share set.
	ErrStaleShare = errors.New("share does not belong to the current share set")
	// ErrNoCustodian is returned when share operations run without a Custodian.
	ErrNoCustodian = errors.New("no custodian configured")
	// ErrNoBlobStore is returned when document operations run without a blob store.
	ErrNoBlobStore = errors.New("no blob store configured")
	// ErrDocumentNotFound is returned for an unknown document id.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrInvalidTransition is returned when a session is driven out of order.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
