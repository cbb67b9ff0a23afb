package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a member's X25519 agreement key.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateX25519Keypair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("drawing x25519 scalar: %w", err)
	}
	kp.Public = X25519Public(kp.Private)
	return kp, nil
}

// X25519Public returns the public point for priv. Clamping happens inside
// the scalar multiplication.
func X25519Public(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// SharedSecret runs X25519. Low-order peer points yield an error rather
// than an all-zero secret.
func SharedSecret(priv, peer [32]byte) ([32]byte, error) {
	var out [32]byte
	raw, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("x25519 agreement: %w", err)
	}
	copy(out[:], raw)
	WipeBytes(raw)
	return out, nil
}

// Fingerprint is the first 8 bytes of SHA-256 over a public key, in hex.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
