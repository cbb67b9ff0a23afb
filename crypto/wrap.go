package crypto

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

// ErrIntegrity is returned when authenticated decryption fails: wrong key,
// wrong context, or a modified nonce or ciphertext.
var ErrIntegrity = errors.New("integrity check failed")

// Wrap schemes.
const (
	SchemeAESGCM  = "aes256gcm"
	SchemeXChaCha = "xchacha20poly1305"
)

// WrappedKey is a secret sealed under a symmetric wrapping key.
type WrappedKey struct {
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy.
func (w *WrappedKey) Clone() *WrappedKey {
	if w == nil {
		return nil
	}
	return &WrappedKey{
		Scheme:     w.Scheme,
		Nonce:      util.CopyBytes(w.Nonce),
		Ciphertext: util.CopyBytes(w.Ciphertext),
	}
}

// WrapOption customises Wrap.
type WrapOption func(*wrapOptions)

type wrapOptions struct {
	scheme string
}

// WithScheme selects the AEAD used by Wrap. Default: SchemeAESGCM.
func WithScheme(scheme string) WrapOption {
	return func(o *wrapOptions) {
		o.scheme = scheme
	}
}

// Wrap encrypts secret under key, binding aad.
func Wrap(secret, key, aad []byte, opts ...WrapOption) (*WrappedKey, error) {
	o := wrapOptions{scheme: SchemeAESGCM}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		sealed    []byte
		nonceSize int
		err       error
	)
	switch o.scheme {
	case SchemeAESGCM:
		sealed, err = util.EncryptAESWithAAD(secret, key, aad)
		nonceSize = util.GCMNonceSize
	case SchemeXChaCha:
		sealed, err = util.EncryptXChaChaWithAAD(secret, key, aad)
		nonceSize = 24
	default:
		return nil, fmt.Errorf("unsupported wrap scheme %q", o.scheme)
	}
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Scheme:     o.scheme,
		Nonce:      sealed[:nonceSize],
		Ciphertext: sealed[nonceSize:],
	}, nil
}

// Unwrap authenticates and decrypts w. Every failure is reported as ErrIntegrity.
func Unwrap(w *WrappedKey, key, aad []byte) ([]byte, error) {
	if w == nil || len(w.Nonce) == 0 || len(w.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: malformed wrapped key", ErrIntegrity)
	}
	full := make([]byte, 0, len(w.Nonce)+len(w.Ciphertext))
	full = append(full, w.Nonce...)
	full = append(full, w.Ciphertext...)

	var (
		secret []byte
		err    error
	)
	switch w.Scheme {
	case SchemeAESGCM, "":
		if len(w.Nonce) != util.GCMNonceSize {
			return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
		}
		secret, err = util.DecryptAESWithAAD(full, key, aad)
	case SchemeXChaCha:
		secret, err = util.DecryptXChaChaWithAAD(full, key, aad)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrIntegrity, w.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return secret, nil
}
