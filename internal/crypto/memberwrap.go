package icrypto

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

// Member key schemes.
const (
	SchemeX25519   = "x25519"
	SchemeMLKEM768 = "mlkem768"
)

const sealedKeyVersion = 1

var grantInfo = []byte("ironkeep:member-grant:v1")

// ErrUnknownScheme is returned for an unrecognised member key scheme.
var ErrUnknownScheme = errors.New("unknown member key scheme")

// SealedKey is a secret sealed to a member's public key. Encapsulated holds
// the ephemeral X25519 public key or the ML-KEM ciphertext.
type SealedKey struct {
	Ver          int    `json:"ver"`
	Scheme       string `json:"scheme"`
	Encapsulated []byte `json:"encapsulated"`
	Salt         []byte `json:"salt"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

// GenerateMemberKeys returns a fresh key pair for the scheme.
func GenerateMemberKeys(scheme string) (pub, priv []byte, err error) {
	switch scheme {
	case SchemeX25519:
		kp, err := util.GenerateX25519Keypair()
		if err != nil {
			return nil, nil, err
		}
		defer util.WipeArray32(&kp.Private)
		return util.CopyBytes(kp.Public[:]), util.CopyBytes(kp.Private[:]), nil
	case SchemeMLKEM768:
		return generateMLKEM()
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// PublicFromPrivate recomputes the public key held by a private key.
func PublicFromPrivate(scheme string, priv []byte) ([]byte, error) {
	switch scheme {
	case SchemeX25519:
		if len(priv) != 32 {
			return nil, fmt.Errorf("invalid x25519 private key size %d", len(priv))
		}
		var p [32]byte
		copy(p[:], priv)
		defer util.WipeArray32(&p)
		pub := util.X25519Public(p)
		return pub[:], nil
	case SchemeMLKEM768:
		return mlkemPublicFromPrivate(priv)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// SealToMember encrypts secret to the recipient public key. The shared
// secret is stretched with HKDF under a random salt and used for AES-256-GCM.
func SealToMember(scheme string, recipientPub, secret, aad []byte) (*SealedKey, error) {
	var (
		shared       []byte
		encapsulated []byte
		err          error
	)
	switch scheme {
	case SchemeX25519:
		shared, encapsulated, err = encapsulateX25519(recipientPub)
	case SchemeMLKEM768:
		shared, encapsulated, err = encapsulateMLKEM(recipientPub)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(shared)

	salt, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	wrapKey, err := util.HKDF(shared, salt, grantInfo)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	ciphertext, err := util.EncryptAESWithAAD(secret, wrapKey, aad)
	if err != nil {
		return nil, err
	}
	return &SealedKey{
		Ver:          sealedKeyVersion,
		Scheme:       scheme,
		Encapsulated: encapsulated,
		Salt:         salt,
		Nonce:        ciphertext[:util.GCMNonceSize],
		Ciphertext:   ciphertext[util.GCMNonceSize:],
	}, nil
}

// OpenFromMember decrypts a SealedKey with the recipient private key.
func OpenFromMember(recipientPriv []byte, sealed *SealedKey, aad []byte) ([]byte, error) {
	if sealed == nil {
		return nil, fmt.Errorf("sealed key must not be nil")
	}
	if sealed.Ver != sealedKeyVersion {
		return nil, fmt.Errorf("unsupported sealed key version: %d", sealed.Ver)
	}
	var (
		shared []byte
		err    error
	)
	switch sealed.Scheme {
	case SchemeX25519:
		shared, err = decapsulateX25519(recipientPriv, sealed.Encapsulated)
	case SchemeMLKEM768:
		shared, err = decapsulateMLKEM(recipientPriv, sealed.Encapsulated)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownScheme, sealed.Scheme)
	}
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(shared)

	wrapKey, err := util.HKDF(shared, sealed.Salt, grantInfo)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	full := make([]byte, 0, len(sealed.Nonce)+len(sealed.Ciphertext))
	full = append(full, sealed.Nonce...)
	full = append(full, sealed.Ciphertext...)
	return util.DecryptAESWithAAD(full, wrapKey, aad)
}

func encapsulateX25519(recipientPub []byte) (shared, ephPub []byte, err error) {
	if len(recipientPub) != 32 {
		return nil, nil, fmt.Errorf("invalid x25519 public key size %d", len(recipientPub))
	}
	var pub [32]byte
	copy(pub[:], recipientPub)

	eph, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeArray32(&eph.Private)

	s, err := util.SharedSecret(eph.Private, pub)
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeArray32(&s)
	return util.CopyBytes(s[:]), util.CopyBytes(eph.Public[:]), nil
}

func decapsulateX25519(recipientPriv, ephPub []byte) ([]byte, error) {
	if len(recipientPriv) != 32 || len(ephPub) != 32 {
		return nil, fmt.Errorf("invalid x25519 key material")
	}
	var priv, pub [32]byte
	copy(priv[:], recipientPriv)
	copy(pub[:], ephPub)
	defer util.WipeArray32(&priv)

	s, err := util.SharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}
	defer util.WipeArray32(&s)
	return util.CopyBytes(s[:]), nil
}
