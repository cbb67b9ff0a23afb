// Package members manages per-member asymmetric key pairs: creation, private
// key wrapping under a password-derived key, vault-key grants sealed to a
// member's public key, and the chained member unwrap.
//
// Roles are metadata only. They never gate a cryptographic unwrap.
package members

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
)

const formatVersion = 1

var (
	// ErrInvalidCredential is returned when a member password fails its
	// verifier or private-key unwrap.
	ErrInvalidCredential = errors.New("invalid member credential")
	// ErrGrantIntegrity is returned when a vault-key grant fails to open
	// under an otherwise valid private key: the grant is corrupt or stale.
	ErrGrantIntegrity = errors.New("vault key grant failed integrity check")
	// ErrKeyMismatch is returned when an unwrapped private key does not match
	// the recorded public key.
	ErrKeyMismatch = errors.New("private key does not match public key")
)

// Key schemes.
const (
	SchemeX25519   = icrypto.SchemeX25519
	SchemeMLKEM768 = icrypto.SchemeMLKEM768
)

// Role is authorization metadata attached to a member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Status tracks whether a member has proven control of their private key.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
)

// KeyPair is the persisted half of a member's key material.
type KeyPair struct {
	MemberID          string
	Scheme            string
	PublicKey         []byte
	WrappedPrivateKey *crypto.WrappedKey
	Verifier          *crypto.WrappedKey
	Salt              []byte
	KDFParams         crypto.KDFParams
}

// Fingerprint identifies the public key.
func (kp *KeyPair) Fingerprint() string {
	return util.Fingerprint(kp.PublicKey)
}

// Grant is a vault key sealed to one member public key.
type Grant struct {
	MemberID     string `json:"member_id"`
	Fingerprint  string `json:"fingerprint"`
	Scheme       string `json:"scheme"`
	Encapsulated []byte `json:"encapsulated"`
	Salt         []byte `json:"salt"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

func (g *Grant) sealed() *icrypto.SealedKey {
	return &icrypto.SealedKey{
		Ver:          formatVersion,
		Scheme:       g.Scheme,
		Encapsulated: g.Encapsulated,
		Salt:         g.Salt,
		Nonce:        g.Nonce,
		Ciphertext:   g.Ciphertext,
	}
}

type options struct {
	memberID string
	scheme   string
	params   crypto.KDFParams
}

// Option customises CreateMember and Rewrap.
type Option func(*options)

// WithMemberID fixes the member identifier instead of generating one.
func WithMemberID(id string) Option {
	return func(o *options) {
		o.memberID = id
	}
}

// WithScheme selects the key scheme. Default: SchemeX25519.
func WithScheme(scheme string) Option {
	return func(o *options) {
		o.scheme = scheme
	}
}

// WithKDFParams sets the Argon2id parameters for the private-key wrap.
func WithKDFParams(params crypto.KDFParams) Option {
	return func(o *options) {
		o.params = params
	}
}

func applyOptions(opts []Option) options {
	o := options{scheme: SchemeX25519, params: crypto.DefaultKDFParams()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.memberID == "" {
		o.memberID = uuid.New()
	}
	return o
}

// CreateMember generates a fresh key pair and wraps the private half under
// the member's password-derived wrapping key. The private key is returned in
// memory only.
func CreateMember(vaultID, password string, opts ...Option) (*KeyPair, *PrivateKey, error) {
	o := applyOptions(opts)
	salt, keys, err := deriveFresh(password, o.params)
	if err != nil {
		return nil, nil, err
	}
	defer keys.Wipe()
	return CreateMemberWithKeys(vaultID, keys, salt, opts...)
}

// CreateMemberWithKeys is CreateMember for callers that already derived the
// password keys from salt, so one Argon2id run can protect several records.
func CreateMemberWithKeys(vaultID string, keys *crypto.DerivedKeys, salt []byte, opts ...Option) (*KeyPair, *PrivateKey, error) {
	o := applyOptions(opts)
	pub, priv, err := icrypto.GenerateMemberKeys(o.scheme)
	if err != nil {
		return nil, nil, err
	}
	pk, err := newPrivateKey(o.memberID, o.scheme, priv)
	if err != nil {
		return nil, nil, err
	}
	kp, err := wrapKeyPair(vaultID, o.memberID, o.scheme, pub, pk, keys, salt, o.params)
	if err != nil {
		pk.Destroy()
		return nil, nil, err
	}
	return kp, pk, nil
}

// Rewrap re-protects an existing private key under a new password. The key
// pair itself is unchanged, so existing grants stay valid.
func Rewrap(vaultID string, kp *KeyPair, priv *PrivateKey, newPassword string, opts ...Option) (*KeyPair, error) {
	o := applyOptions(append([]Option{WithKDFParams(kp.KDFParams)}, opts...))
	salt, keys, err := deriveFresh(newPassword, o.params)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	return RewrapWithKeys(vaultID, kp, priv, keys, salt, o.params)
}

// RewrapWithKeys is Rewrap with pre-derived password keys.
func RewrapWithKeys(vaultID string, kp *KeyPair, priv *PrivateKey, keys *crypto.DerivedKeys, salt []byte, params crypto.KDFParams) (*KeyPair, error) {
	if priv.MemberID() != kp.MemberID || !util.ConstantTimeEqual(priv.PublicKey(), kp.PublicKey) {
		return nil, ErrKeyMismatch
	}
	return wrapKeyPair(vaultID, kp.MemberID, kp.Scheme, kp.PublicKey, priv, keys, salt, params)
}

func deriveFresh(password string, params crypto.KDFParams) ([]byte, *crypto.DerivedKeys, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	keys, err := crypto.DeriveKeys(password, salt, crypto.WithKDFParams(params))
	if err != nil {
		return nil, nil, err
	}
	return salt, keys, nil
}

func wrapKeyPair(vaultID, memberID, scheme string, pub []byte, priv *PrivateKey, keys *crypto.DerivedKeys, salt []byte, params crypto.KDFParams) (*KeyPair, error) {
	fp := util.Fingerprint(pub)
	var wrapped *crypto.WrappedKey
	err := priv.use(func(raw []byte) error {
		var err error
		wrapped, err = crypto.Wrap(raw, keys.Wrapping, icrypto.AADMemberKey(vaultID, memberID, fp, formatVersion))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping private key: %w", err)
	}
	verifier, err := crypto.NewVerifier(keys.Verifier, memberID, icrypto.AADVerifier(vaultID, memberID, formatVersion))
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}
	return &KeyPair{
		MemberID:          memberID,
		Scheme:            scheme,
		PublicKey:         util.CopyBytes(pub),
		WrappedPrivateKey: wrapped,
		Verifier:          verifier,
		Salt:              util.CopyBytes(salt),
		KDFParams:         params,
	}, nil
}

// GrantVaultAccess seals the vault key to the member's public key. Each call
// produces an independent grant.
func GrantVaultAccess(vaultID string, vaultKey []byte, kp *KeyPair) (*Grant, error) {
	sealed, err := icrypto.SealToMember(kp.Scheme, kp.PublicKey, vaultKey, icrypto.AADGrant(vaultID, kp.MemberID, formatVersion))
	if err != nil {
		return nil, fmt.Errorf("sealing vault key to member: %w", err)
	}
	return &Grant{
		MemberID:     kp.MemberID,
		Fingerprint:  kp.Fingerprint(),
		Scheme:       sealed.Scheme,
		Encapsulated: sealed.Encapsulated,
		Salt:         sealed.Salt,
		Nonce:        sealed.Nonce,
		Ciphertext:   sealed.Ciphertext,
	}, nil
}

// UnwrapPrivateKey checks the member's verifier and unwraps the private key.
func UnwrapPrivateKey(vaultID string, kp *KeyPair, password string) (*PrivateKey, error) {
	keys, err := crypto.DeriveKeys(password, kp.Salt, crypto.WithKDFParams(kp.KDFParams))
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	if err := CheckVerifier(vaultID, kp, keys); err != nil {
		return nil, err
	}
	return UnwrapPrivateKeyWithKeys(vaultID, kp, keys)
}

// CheckVerifier tests keys against the member's verifier without touching
// the private key. A key pair without a verifier passes.
func CheckVerifier(vaultID string, kp *KeyPair, keys *crypto.DerivedKeys) error {
	if kp.Verifier == nil {
		return nil
	}
	if err := crypto.CheckVerifier(kp.Verifier, keys.Verifier, kp.MemberID, icrypto.AADVerifier(vaultID, kp.MemberID, formatVersion)); err != nil {
		return ErrInvalidCredential
	}
	return nil
}

// UnwrapPrivateKeyWithKeys unwraps the private key with pre-derived keys.
func UnwrapPrivateKeyWithKeys(vaultID string, kp *KeyPair, keys *crypto.DerivedKeys) (*PrivateKey, error) {
	raw, err := crypto.Unwrap(kp.WrappedPrivateKey, keys.Wrapping, icrypto.AADMemberKey(vaultID, kp.MemberID, kp.Fingerprint(), formatVersion))
	if err != nil {
		return nil, ErrInvalidCredential
	}
	pk, err := newPrivateKey(kp.MemberID, kp.Scheme, raw)
	if err != nil {
		return nil, err
	}
	if !util.ConstantTimeEqual(pk.public, kp.PublicKey) {
		pk.Destroy()
		return nil, ErrKeyMismatch
	}
	return pk, nil
}

// OpenGrant decrypts a grant with an unwrapped private key.
func OpenGrant(vaultID string, g *Grant, priv *PrivateKey) ([]byte, error) {
	if g == nil {
		return nil, ErrGrantIntegrity
	}
	var vaultKey []byte
	err := priv.use(func(raw []byte) error {
		var err error
		vaultKey, err = icrypto.OpenFromMember(raw, g.sealed(), icrypto.AADGrant(vaultID, g.MemberID, formatVersion))
		return err
	})
	if errors.Is(err, ErrDestroyed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGrantIntegrity, err)
	}
	return vaultKey, nil
}

// UnwrapAsMember derives the member's wrapping key, unwraps the private key
// and opens the grant. A wrong password fails at the first step
// (ErrInvalidCredential); a corrupt or stale grant fails at the second
// (ErrGrantIntegrity).
func UnwrapAsMember(vaultID string, g *Grant, kp *KeyPair, password string) ([]byte, error) {
	priv, err := UnwrapPrivateKey(vaultID, kp, password)
	if err != nil {
		return nil, err
	}
	defer priv.Destroy()
	return OpenGrant(vaultID, g, priv)
}
