package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/keysync"
	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/storage"
)

// Credential unlocks a vault. There are exactly two kinds: Password and
// Recovery. Each carries its own derivation and the state a successful
// unlock lands in.
type Credential interface {
	kind() string
	unlock(ctx context.Context, v *Vault, st *vaultState) ([]byte, error)
	next() State
}

type passwordCredential struct {
	password string
}

// Password returns a credential for the owner's password.
func Password(password string) Credential {
	return passwordCredential{password: password}
}

func (passwordCredential) kind() string { return methodPassword }

func (passwordCredential) next() State { return StateUnlocked }

func (c passwordCredential) unlock(ctx context.Context, v *Vault, st *vaultState) ([]byte, error) {
	keys, err := crypto.DeriveKeys(c.password, st.Salt, crypto.WithKDFParams(st.KDF))
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A verifier mismatch means a wrong password, so a cached verifier
	// survives it. The caller only ever sees a generic credential failure.
	err = v.resolve(RecordTypeVerifier, st.OwnerID, func(env *storage.Envelope) error {
		return rejected(crypto.CheckVerifier(envelopeWrapped(env), keys.Verifier, st.OwnerID,
			icrypto.AADVerifier(v.id, st.OwnerID, formatVersion)))
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, v.missing(RecordTypeVerifier, st.OwnerID, err)
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, err
		}
		return nil, ErrInvalidCredential
	}

	var vaultKey []byte
	err = v.resolve(RecordTypeWrap, methodPassword, func(env *storage.Envelope) error {
		var err error
		vaultKey, err = crypto.Unwrap(envelopeWrapped(env), keys.Wrapping,
			icrypto.AADWrap(v.id, methodPassword, st.Generation, formatVersion))
		return err
	})
	if err != nil {
		switch {
		case storage.IsNotFound(err):
			return nil, v.missing(RecordTypeWrap, methodPassword, err)
		case errors.Is(err, keysync.ErrStaleCache):
			return nil, v.syncConflict(RecordTypeWrap, methodPassword, err)
		case errors.Is(err, storage.ErrUnavailable):
			return nil, err
		default:
			return nil, v.integrity(RecordTypeWrap, methodPassword, err)
		}
	}

	v.rememberOwnerKey(st, keys)
	return vaultKey, nil
}

// rejected marks err as a wrong-secret failure for the key-material
// resolver.
func rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", keysync.ErrCredentialRejected, err)
}

type recoveryCredential struct {
	artifact crypto.RecoveryArtifact
}

// Recovery returns a credential for a recovery artifact. A successful
// unlock with it always lands in forced-reset.
func Recovery(artifact crypto.RecoveryArtifact) Credential {
	return recoveryCredential{artifact: artifact}
}

// ParseRecovery parses a formatted recovery artifact into a credential.
func ParseRecovery(s string) (Credential, error) {
	a, err := crypto.ParseRecoveryArtifact(s)
	if err != nil {
		return nil, validationErrorf("invalid recovery artifact: %v", err)
	}
	return Recovery(a), nil
}

func (recoveryCredential) kind() string { return methodRecovery }

func (recoveryCredential) next() State { return StateForcedReset }

func (c recoveryCredential) unlock(ctx context.Context, v *Vault, st *vaultState) ([]byte, error) {
	if c.artifact == nil {
		return nil, ErrInvalidCredential
	}
	rk, err := c.artifact.WrappingKey(st.RecoverySalt)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	defer util.WipeBytes(rk)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var vaultKey []byte
	err = v.resolve(RecordTypeWrap, methodRecovery, func(env *storage.Envelope) error {
		var err error
		vaultKey, err = crypto.Unwrap(envelopeWrapped(env), rk,
			icrypto.AADWrap(v.id, methodRecovery, st.RecoveryGeneration, formatVersion))
		// Nothing checks the artifact before this unwrap, so a failure is
		// the artifact's fault and the cached record is kept.
		return rejected(err)
	})
	if err != nil {
		switch {
		case storage.IsNotFound(err):
			return nil, v.missing(RecordTypeWrap, methodRecovery, err)
		case errors.Is(err, storage.ErrUnavailable):
			return nil, err
		default:
			return nil, ErrInvalidCredential
		}
	}
	return vaultKey, nil
}

// rememberOwnerKey caches the owner's private key in the key ring so a later
// forced reset can re-wrap it instead of replacing it.
func (v *Vault) rememberOwnerKey(st *vaultState, keys *crypto.DerivedKeys) {
	if v.keyRing == nil {
		return
	}
	kp, _, err := v.loadKeyPair(st.OwnerID)
	if err != nil {
		v.logger.Warn("owner key pair unavailable for key ring", "vault_id", v.id, "error", err)
		return
	}
	priv, err := members.UnwrapPrivateKeyWithKeys(v.id, kp, keys)
	if err != nil {
		v.logger.Warn("owner private key did not unwrap", "vault_id", v.id, "error", err)
		return
	}
	defer priv.Destroy()
	if err := v.keyRing.Put(priv); err != nil {
		v.logger.Warn("caching owner private key", "vault_id", v.id, "error", err)
	}
}
