// Package uuid generates identifiers for vaults, members, nominees, custody
// requests and journal entries.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// Ordered returns a time-ordered (v7) UUID. Ordered IDs sort by creation
// time, which keeps append-only records in insertion order when listed by
// key. It falls back to a v4 UUID if the clock sequence cannot be read.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
