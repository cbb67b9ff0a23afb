package crypto

import (
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

var verifierTag = []byte("ironkeep:verifier:v1")

// NewVerifier encrypts a known tag plus holderID under the verifier key.
func NewVerifier(verifierKey []byte, holderID string, aad []byte) (*WrappedKey, error) {
	return Wrap(verifierPlaintext(holderID), verifierKey, aad)
}

// CheckVerifier tests a verifier key without touching any protected secret.
func CheckVerifier(v *WrappedKey, verifierKey []byte, holderID string, aad []byte) error {
	plain, err := Unwrap(v, verifierKey, aad)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if !util.ConstantTimeEqual(plain, verifierPlaintext(holderID)) {
		return fmt.Errorf("%w: verifier tag mismatch", ErrIntegrity)
	}
	return nil
}

func verifierPlaintext(holderID string) []byte {
	out := make([]byte, 0, len(verifierTag)+1+len(holderID))
	out = append(out, verifierTag...)
	out = append(out, 0)
	return append(out, holderID...)
}
