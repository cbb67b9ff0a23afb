package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	AESKeySize = 32
	// GCMNonceSize is the nonce length prefixed to AES-GCM output.
	GCMNonceSize = 12
)

type aeadSuite struct {
	name string
	new  func(key []byte) (cipher.AEAD, error)
}

var (
	aesGCM = aeadSuite{name: "aes-256-gcm", new: func(key []byte) (cipher.AEAD, error) {
		if len(key) != AESKeySize {
			return nil, fmt.Errorf("key is %d bytes, need %d", len(key), AESKeySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}}
	xchacha = aeadSuite{name: "xchacha20-poly1305", new: chacha20poly1305.NewX}
)

// seal returns nonce || ciphertext || tag under a fresh random nonce.
func (s aeadSuite) seal(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := s.new(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	ns := aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%s: drawing nonce: %w", s.name, err)
	}
	return aead.Seal(out, out[:ns], plaintext, aad), nil
}

func (s aeadSuite) open(sealed, key, aad []byte) ([]byte, error) {
	aead, err := s.new(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	ns := aead.NonceSize()
	if len(sealed) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%s: sealed data truncated (%d bytes)", s.name, len(sealed))
	}
	plaintext, err := aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return plaintext, nil
}

// EncryptAESWithAAD seals plaintext with AES-256-GCM, binding aad.
func EncryptAESWithAAD(plaintext, key, aad []byte) ([]byte, error) {
	return aesGCM.seal(plaintext, key, aad)
}

func DecryptAESWithAAD(sealed, key, aad []byte) ([]byte, error) {
	return aesGCM.open(sealed, key, aad)
}

// EncryptXChaChaWithAAD seals plaintext with XChaCha20-Poly1305. The
// 24-byte nonce is safe to draw at random for keys that wrap many secrets.
func EncryptXChaChaWithAAD(plaintext, key, aad []byte) ([]byte, error) {
	return xchacha.seal(plaintext, key, aad)
}

func DecryptXChaChaWithAAD(sealed, key, aad []byte) ([]byte, error) {
	return xchacha.open(sealed, key, aad)
}

// NewAESKey returns a random 256-bit key.
func NewAESKey() ([]byte, error) {
	return RandomBytes(AESKeySize)
}
