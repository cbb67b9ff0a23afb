// Package storage is the schema-agnostic keyed get/put layer that holds
// wrapped key material. Every record is an Envelope addressed by
// (vaultID, recordType, recordID).
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVaultNotFound is returned when no record exists for the vault at all.
	ErrVaultNotFound = errors.New("vault not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrUnavailable is returned by network-backed repositories when the
	// backend cannot be reached. It is the only error that permits a
	// fallback to a local cache.
	ErrUnavailable = errors.New("storage backend unavailable")
)

// IsNotFound reports whether err means the record or its vault is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrVaultNotFound)
}

// BatchTx provides writes within an atomic transaction.
// The vaultID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for wrapped-record storage.
// PutCAS with expectedVersion 0 succeeds only when the record is absent.
type Repository interface {
	Put(vaultID string, recordType string, recordID string, envelope *Envelope) error
	Get(vaultID string, recordType string, recordID string) (*Envelope, error)
	List(vaultID string, recordType string) ([]string, error)
	Delete(vaultID string, recordType string, recordID string) error
	PutCAS(vaultID string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(vaultID string, fn func(tx BatchTx) error) error
}

// CheckVersion applies the PutCAS rule shared by every backend. present
// reports whether the record exists and current is its stored version. A
// stored version 0 matches neither create-only nor update, so such a record
// is never replaced through CAS.
func CheckVersion(present bool, current, expected uint64) error {
	switch {
	case !present && expected == 0:
		return nil
	case present && current != 0 && current == expected:
		return nil
	}
	return ErrCASFailed
}
