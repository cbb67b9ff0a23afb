package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams configures Argon2id key derivation. Parameters are recorded
// alongside every derived wrapping so a key stays reproducible for as long as
// the password is known.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// Named KDF profiles.
const (
	KDFProfileInteractive = "interactive"
	KDFProfileModerate    = "moderate"
	KDFProfileSensitive   = "sensitive"
)

// Bounds on Argon2id parameters. The floor is the OWASP minimum; the
// ceilings stop a tampered record from pinning the host's memory or CPU.
const (
	MinArgon2Time      uint32 = 2
	MinArgon2MemoryKiB uint32 = 19 * 1024
	MinArgon2Parallel  uint8  = 1

	MaxArgon2Time      uint32 = 16
	MaxArgon2MemoryKiB uint32 = 1024 * 1024
)

var argon2idProfiles = map[string]Argon2idParams{
	KDFProfileInteractive: {Time: 2, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32},
	KDFProfileModerate:    {Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4, KeyLen: 32},
	KDFProfileSensitive:   {Time: 4, MemoryKiB: 128 * 1024, Parallelism: 4, KeyLen: 32},
}

// DefaultArgon2idParams returns the moderate profile.
func DefaultArgon2idParams() Argon2idParams {
	return argon2idProfiles[KDFProfileModerate]
}

// Argon2idProfile returns the parameters for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	p, ok := argon2idProfiles[name]
	if !ok {
		return Argon2idParams{}, fmt.Errorf("unknown KDF profile %q", name)
	}
	return p, nil
}

// ValidateArgon2idParams rejects parameters below the minimum thresholds.
func ValidateArgon2idParams(p Argon2idParams) error {
	if p.KeyLen != 32 {
		return fmt.Errorf("argon2id key length must be 32 bytes, got %d", p.KeyLen)
	}
	if p.Time < MinArgon2Time {
		return fmt.Errorf("argon2id time %d below minimum %d", p.Time, MinArgon2Time)
	}
	if p.MemoryKiB < MinArgon2MemoryKiB {
		return fmt.Errorf("argon2id memory %d KiB below minimum %d KiB", p.MemoryKiB, MinArgon2MemoryKiB)
	}
	if p.Time > MaxArgon2Time || p.MemoryKiB > MaxArgon2MemoryKiB {
		return fmt.Errorf("argon2id cost t=%d m=%dKiB exceeds the permitted maximum", p.Time, p.MemoryKiB)
	}
	if p.Parallelism < MinArgon2Parallel {
		return fmt.Errorf("argon2id parallelism %d below minimum %d", p.Parallelism, MinArgon2Parallel)
	}
	return nil
}

// DeriveArgon2idKey stretches passphrase. Callers normalize it first.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("argon2id salt is %d bytes, need at least 16", len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}
