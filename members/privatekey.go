package members

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
)

// ErrDestroyed is returned when using a private key after Destroy.
var ErrDestroyed = errors.New("private key has been destroyed")

// PrivateKey holds a member's unwrapped private key in a memguard Enclave
// (encrypted at rest in memory). Call Destroy when done.
type PrivateKey struct {
	memberID  string
	scheme    string
	public    []byte
	enclave   *memguard.Enclave
	destroyed bool
}

// newPrivateKey takes ownership of raw and wipes it.
func newPrivateKey(memberID, scheme string, raw []byte) (*PrivateKey, error) {
	pub, err := icrypto.PublicFromPrivate(scheme, raw)
	if err != nil {
		util.WipeBytes(raw)
		return nil, err
	}
	return &PrivateKey{
		memberID: memberID,
		scheme:   scheme,
		public:   pub,
		enclave:  memguard.NewEnclave(raw),
	}, nil
}

// MemberID returns the owning member's identifier.
func (k *PrivateKey) MemberID() string {
	if k == nil || k.destroyed {
		return ""
	}
	return k.memberID
}

// Scheme returns the key scheme.
func (k *PrivateKey) Scheme() string {
	if k == nil || k.destroyed {
		return ""
	}
	return k.scheme
}

// PublicKey returns a copy of the matching public key.
func (k *PrivateKey) PublicKey() []byte {
	if k == nil || k.destroyed {
		return nil
	}
	return util.CopyBytes(k.public)
}

// use opens the enclave for the duration of fn.
func (k *PrivateKey) use(fn func(priv []byte) error) error {
	if k == nil || k.destroyed {
		return ErrDestroyed
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening private key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Clone returns an independent copy held in its own enclave.
func (k *PrivateKey) Clone() (*PrivateKey, error) {
	var out *PrivateKey
	err := k.use(func(priv []byte) error {
		var err error
		out, err = newPrivateKey(k.memberID, k.scheme, util.CopyBytes(priv))
		return err
	})
	return out, err
}

// Destroy drops the key material. The PrivateKey must not be reused.
func (k *PrivateKey) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	k.enclave = nil
	k.memberID = ""
	k.public = nil
	k.destroyed = true
}
