package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// HKDFKeyLength is the size of every subkey derived in ironkeep.
const HKDFKeyLength = 32

// HKDF expands secret into a 32-byte subkey scoped by salt and info.
func HKDF(secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return key, nil
}

// Normalize puts a password into NFKD so that visually identical input
// typed on different keyboards derives the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
