// Package blob is the object-storage collaborator. Stores receive and return
// opaque ciphertext keyed by an identifier and never see key material.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("blob not found")

// Store persists opaque blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the object key for one document of one vault.
func Key(vaultID, docID string) string {
	return fmt.Sprintf("vaults/%s/documents/%s", vaultID, docID)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("blob key %q contains forbidden sequence %q", key, "..")
	}
	return nil
}
