// Package crypto provides the password KDF, the authenticated wrap/unwrap
// primitive, credential verifiers and recovery artifacts.
package crypto

import (
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

// KDFParams configures Argon2id key derivation.
type KDFParams = util.Argon2idParams

// Purpose separates the keys derived from one password.
type Purpose string

const (
	PurposeWrapping Purpose = "wrapping"
	PurposeVerifier Purpose = "verifier"
)

// SaltSize is the length of freshly generated KDF salts.
const SaltSize = 16

// Named KDF profiles.
const (
	KDFProfileInteractive = util.KDFProfileInteractive // sub-second, dev/testing
	KDFProfileModerate    = util.KDFProfileModerate    // production default
	KDFProfileSensitive   = util.KDFProfileSensitive   // long-lived offline artifacts
)

func (p Purpose) info() ([]byte, error) {
	switch p {
	case PurposeWrapping, PurposeVerifier:
		return []byte("ironkeep:kdf:" + string(p) + ":v1"), nil
	default:
		return nil, fmt.Errorf("unknown KDF purpose %q", p)
	}
}

// KDFOption is a functional option for DeriveKey and DeriveKeys.
type KDFOption func(*kdfOptions)

type kdfOptions struct {
	params KDFParams
}

// WithKDFParams sets the Argon2id parameters.
func WithKDFParams(params KDFParams) KDFOption {
	return func(o *kdfOptions) {
		o.params = params
	}
}

// DefaultKDFParams returns the moderate profile.
func DefaultKDFParams() KDFParams {
	return util.DefaultArgon2idParams()
}

// KDFProfile returns the parameters for a named profile.
func KDFProfile(name string) (KDFParams, error) {
	return util.Argon2idProfile(name)
}

// ValidateKDFParams checks that the parameters meet the minimum thresholds.
func ValidateKDFParams(p KDFParams) error {
	return util.ValidateArgon2idParams(p)
}

// NewSalt returns a random KDF salt.
func NewSalt() ([]byte, error) {
	return util.RandomBytes(SaltSize)
}

// DerivedKeys holds the two independent keys derived from one password.
type DerivedKeys struct {
	Wrapping []byte
	Verifier []byte
}

// Wipe zeroes both keys.
func (k *DerivedKeys) Wipe() {
	if k == nil {
		return
	}
	util.WipeBytes(k.Wrapping)
	util.WipeBytes(k.Verifier)
}

// DeriveKey derives a 256-bit key for one purpose. A wrong password is not
// an error here: it yields a different, self-consistent key that fails the
// next integrity check.
func DeriveKey(password string, salt []byte, purpose Purpose, opts ...KDFOption) ([]byte, error) {
	info, err := purpose.info()
	if err != nil {
		return nil, err
	}
	master, err := stretch(password, salt, opts...)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(master)
	return util.HKDF(master, salt, info)
}

// DeriveKeys derives both the wrapping and the verifier key with a single
// Argon2id evaluation.
func DeriveKeys(password string, salt []byte, opts ...KDFOption) (*DerivedKeys, error) {
	master, err := stretch(password, salt, opts...)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(master)

	wrapInfo, _ := PurposeWrapping.info()
	verifierInfo, _ := PurposeVerifier.info()

	wrapping, err := util.HKDF(master, salt, wrapInfo)
	if err != nil {
		return nil, err
	}
	verifier, err := util.HKDF(master, salt, verifierInfo)
	if err != nil {
		util.WipeBytes(wrapping)
		return nil, err
	}
	return &DerivedKeys{Wrapping: wrapping, Verifier: verifier}, nil
}

func stretch(password string, salt []byte, opts ...KDFOption) ([]byte, error) {
	o := kdfOptions{params: DefaultKDFParams()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ValidateKDFParams(o.params); err != nil {
		return nil, err
	}
	master, err := util.DeriveArgon2idKey(util.Normalize(password), salt, o.params)
	if err != nil {
		return nil, fmt.Errorf("deriving password key: %w", err)
	}
	return master, nil
}
