package util

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading %d random bytes: %w", n, err)
	}
	return b, nil
}

// RandomString draws n symbols uniformly from alphabet. Bytes that would
// bias the draw are rejected and redrawn.
func RandomString(alphabet string, n int) (string, error) {
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", fmt.Errorf("alphabet must hold 1 to 256 symbols, got %d", len(alphabet))
	}
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2+1)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	WipeBytes(buf)
	return string(out), nil
}

func CopyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append(make([]byte, 0, len(src)), src...)
}

// WipeBytes zeroes b in place. The Go runtime may already hold copies, so
// this is best effort; long-lived secrets belong in memguard enclaves.
func WipeBytes(b []byte) {
	clear(b)
}

func WipeArray32(a *[32]byte) {
	clear(a[:])
}

// ConstantTimeEqual compares a and b without an early exit on mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
