package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
)

// ShareSetInfo describes the current 2-of-3 share set.
type ShareSetInfo struct {
	ID         string    `json:"id"`
	XA         uint8     `json:"xa"`
	XB         uint8     `json:"xb"`
	XC         uint8     `json:"xc"`
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// Nominee is the public view of a nominee record.
type Nominee struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	TriggerDays int       `json:"trigger_days"`
	Active      bool      `json:"active"`
	ShareSetID  string    `json:"share_set_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WrappedShare is Share C wrapped under the nominee's password. It is the
// only thing ever sent electronically to a nominee.
type WrappedShare struct {
	VaultID     string           `json:"vault_id"`
	NomineeID   string           `json:"nominee_id"`
	ShareSetID  string           `json:"share_set_id"`
	X           uint8            `json:"x"`
	TriggerDays int              `json:"trigger_days"`
	Salt        []byte           `json:"salt"`
	KDF         crypto.KDFParams `json:"kdf"`
	Scheme      string           `json:"scheme"`
	Nonce       []byte           `json:"nonce"`
	Ciphertext  []byte           `json:"ciphertext"`
}

// Open unwraps Share C with the nominee's password.
func (w *WrappedShare) Open(password string) (threshold.Share, error) {
	key, err := crypto.DeriveKey(password, w.Salt, crypto.PurposeWrapping, crypto.WithKDFParams(w.KDF))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	raw, err := crypto.Unwrap(&crypto.WrappedKey{Scheme: w.Scheme, Nonce: w.Nonce, Ciphertext: w.Ciphertext}, key,
		icrypto.AADShare(w.VaultID, w.ShareSetID, w.NomineeID, formatVersion))
	if err != nil {
		return nil, ErrInvalidCredential
	}
	share := threshold.Share(raw)
	if share.X() != w.X {
		share.Wipe()
		return nil, ErrIntegrityFailure
	}
	return share, nil
}

type shareSetRecord struct {
	shareSetMeta
	env *storage.Envelope
}

func (r *shareSetRecord) info() *ShareSetInfo {
	return &ShareSetInfo{
		ID:         r.ID,
		XA:         r.XA,
		XB:         r.XB,
		XC:         r.XC,
		Generation: r.env.Version,
		CreatedAt:  r.CreatedAt,
	}
}

func (v *Vault) currentShareSet() (*shareSetRecord, error) {
	env, err := v.repo.Get(v.id, RecordTypeShareSet, recordIDCurrent)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNoShareSet
		}
		return nil, err
	}
	r := &shareSetRecord{env: env}
	if err := decodeMeta(env, &r.shareSetMeta); err != nil {
		return nil, v.integrity(RecordTypeShareSet, recordIDCurrent, err)
	}
	return r, nil
}

// share recomputes the share at x from the vault key and the stored slope.
func (v *Vault) share(vaultKey []byte, set *shareSetRecord, x uint8) (threshold.Share, error) {
	slope, err := crypto.Unwrap(envelopeWrapped(set.env), vaultKey, icrypto.AADShare(v.id, set.ID, holderSlope, formatVersion))
	if err != nil {
		return nil, v.integrity(RecordTypeShareSet, recordIDCurrent, err)
	}
	defer util.WipeBytes(slope)
	return threshold.ShareAt(vaultKey, slope, x)
}

// RegenerateShares splits the vault key into a new {A, B, C} share set,
// deposits B with the custodian and marks every nominee of the previous set
// inactive until reissued. A is never stored: the set keeps only the
// polynomial slope, wrapped under the vault key, so the owner can recompute
// A or C on demand.
func (s *Session) RegenerateShares(ctx context.Context) (*ShareSetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := s.vault
	if v.custodian == nil {
		return nil, ErrNoCustodian
	}
	var info *ShareSetInfo
	err := s.withKey(func(vaultKey []byte) error {
		release, err := v.begin()
		if err != nil {
			return err
		}
		defer release()

		old, err := v.currentShareSet()
		if err != nil && !errors.Is(err, ErrNoShareSet) {
			return err
		}
		var expected uint64
		if old != nil {
			expected = old.env.Version
		}

		set, err := threshold.Split(vaultKey)
		if err != nil {
			return err
		}
		defer set.Wipe()
		slope, err := threshold.Slope(vaultKey, set.A)
		if err != nil {
			return err
		}
		defer util.WipeBytes(slope)

		coords := set.Coordinates()
		meta := shareSetMeta{ID: set.ID, XA: coords.XA, XB: coords.XB, XC: coords.XC, CreatedAt: v.now().UTC()}
		w, err := crypto.Wrap(slope, vaultKey, icrypto.AADShare(v.id, set.ID, holderSlope, formatVersion))
		if err != nil {
			return err
		}
		env, err := wrappedEnvelope(w, meta, expected+1)
		if err != nil {
			return err
		}
		nominees, err := v.deactivatedNominees()
		if err != nil {
			return err
		}

		if err := v.custodian.Deposit(ctx, v.id, set.ID, set.B); err != nil {
			return fmt.Errorf("depositing custodial share: %w", err)
		}
		err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(RecordTypeShareSet, recordIDCurrent, expected, env); err != nil {
				return err
			}
			for id, env := range nominees {
				if err := tx.Put(RecordTypeNominee, id, env); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if rerr := v.custodian.Revoke(ctx, v.id, set.ID); rerr != nil {
				v.logger.Warn("revoking uncommitted custodial share", "vault_id", v.id, "share_set_id", set.ID, "error", rerr)
			}
			if errors.Is(err, storage.ErrCASFailed) {
				return v.syncConflict(RecordTypeShareSet, recordIDCurrent, err)
			}
			return fmt.Errorf("committing share set: %w", err)
		}

		info = &ShareSetInfo{ID: set.ID, XA: coords.XA, XB: coords.XB, XC: coords.XC, Generation: expected + 1, CreatedAt: meta.CreatedAt}
		v.logger.Info("share set regenerated", "vault_id", v.id, "share_set_id", set.ID,
			"generation", info.Generation, "nominees_deactivated", len(nominees))
		return nil
	})
	return info, err
}

// ShareSet returns the current share set.
func (s *Session) ShareSet(ctx context.Context) (*ShareSetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var info *ShareSetInfo
	err := s.withKey(func([]byte) error {
		set, err := s.vault.currentShareSet()
		if err != nil {
			return err
		}
		info = set.info()
		return nil
	})
	return info, err
}

// OwnerShare recomputes Share A of the current set. The caller must Wipe it.
func (s *Session) OwnerShare(ctx context.Context) (threshold.Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var share threshold.Share
	err := s.withKey(func(vaultKey []byte) error {
		set, err := s.vault.currentShareSet()
		if err != nil {
			return err
		}
		share, err = s.vault.share(vaultKey, set, set.XA)
		return err
	})
	return share, err
}

// CreateNominee wraps Share C of the current set under nomineePassword,
// stores the nominee and hands the wrapped record to the notifier. The
// password itself must reach the nominee out of band.
func (s *Session) CreateNominee(ctx context.Context, identity, nomineePassword string, triggerDays int) (*Nominee, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	if err := validateTriggerDays(triggerDays); err != nil {
		return nil, err
	}
	v := s.vault
	if err := checkPasswordStrength(nomineePassword, v.minPasswordLen); err != nil {
		return nil, err
	}
	var (
		n  *Nominee
		ws *WrappedShare
	)
	err := s.withKey(func(vaultKey []byte) error {
		set, err := v.currentShareSet()
		if err != nil {
			return err
		}
		now := v.now().UTC()
		meta := nomineeMeta{
			ID:          uuid.New(),
			Identity:    identity,
			TriggerDays: triggerDays,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		var env *storage.Envelope
		ws, env, err = v.wrapNomineeShare(vaultKey, set, &meta, nomineePassword, 1)
		if err != nil {
			return err
		}
		if err := v.repo.PutCAS(v.id, RecordTypeNominee, meta.ID, 0, env); err != nil {
			return fmt.Errorf("storing nominee: %w", err)
		}
		n = meta.public()
		v.logger.Info("nominee created", "vault_id", v.id, "nominee_id", meta.ID,
			"share_set_id", set.ID, "trigger_days", triggerDays)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := v.notifier.NomineeShare(ctx, identity, ws); err != nil {
		v.logger.Warn("delivering nominee share", "vault_id", v.id, "nominee_id", n.ID, "error", err)
	}
	return n, nil
}

// ReissueNominee re-wraps Share C of the current set for an existing
// nominee, typically one deactivated by a reset or regeneration.
func (s *Session) ReissueNominee(ctx context.Context, nomineeID, nomineePassword string) (*Nominee, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := s.vault
	if err := checkPasswordStrength(nomineePassword, v.minPasswordLen); err != nil {
		return nil, err
	}
	var (
		n  *Nominee
		ws *WrappedShare
	)
	err := s.withKey(func(vaultKey []byte) error {
		set, err := v.currentShareSet()
		if err != nil {
			return err
		}
		old, meta, err := v.loadNominee(nomineeID)
		if err != nil {
			return err
		}
		meta.Active = true
		meta.UpdatedAt = v.now().UTC()
		var env *storage.Envelope
		ws, env, err = v.wrapNomineeShare(vaultKey, set, &meta, nomineePassword, old.Version+1)
		if err != nil {
			return err
		}
		if err := v.repo.PutCAS(v.id, RecordTypeNominee, nomineeID, old.Version, env); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return v.syncConflict(RecordTypeNominee, nomineeID, err)
			}
			return fmt.Errorf("storing nominee: %w", err)
		}
		n = meta.public()
		v.logger.Info("nominee reissued", "vault_id", v.id, "nominee_id", nomineeID, "share_set_id", set.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := v.notifier.NomineeShare(ctx, n.Identity, ws); err != nil {
		v.logger.Warn("delivering nominee share", "vault_id", v.id, "nominee_id", n.ID, "error", err)
	}
	return n, nil
}

func (v *Vault) wrapNomineeShare(vaultKey []byte, set *shareSetRecord, meta *nomineeMeta, password string, version uint64) (*WrappedShare, *storage.Envelope, error) {
	c, err := v.share(vaultKey, set, set.XC)
	if err != nil {
		return nil, nil, err
	}
	defer c.Wipe()
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	key, err := crypto.DeriveKey(password, salt, crypto.PurposeWrapping, crypto.WithKDFParams(v.kdfParams))
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(key)
	w, err := crypto.Wrap(c, key, icrypto.AADShare(v.id, set.ID, meta.ID, formatVersion))
	if err != nil {
		return nil, nil, err
	}

	meta.ShareSetID = set.ID
	meta.Salt = salt
	meta.KDF = v.kdfParams
	meta.X = set.XC
	env, err := wrappedEnvelope(w, meta, version)
	if err != nil {
		return nil, nil, err
	}
	return wrappedShareFrom(v.id, env, *meta), env, nil
}

func wrappedShareFrom(vaultID string, env *storage.Envelope, meta nomineeMeta) *WrappedShare {
	return &WrappedShare{
		VaultID:     vaultID,
		NomineeID:   meta.ID,
		ShareSetID:  meta.ShareSetID,
		X:           meta.X,
		TriggerDays: meta.TriggerDays,
		Salt:        util.CopyBytes(meta.Salt),
		KDF:         meta.KDF,
		Scheme:      env.Scheme,
		Nonce:       util.CopyBytes(env.Nonce),
		Ciphertext:  util.CopyBytes(env.Ciphertext),
	}
}

func (m nomineeMeta) public() *Nominee {
	return &Nominee{
		ID:          m.ID,
		Identity:    m.Identity,
		TriggerDays: m.TriggerDays,
		Active:      m.Active,
		ShareSetID:  m.ShareSetID,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (v *Vault) loadNominee(nomineeID string) (*storage.Envelope, nomineeMeta, error) {
	var meta nomineeMeta
	env, err := v.repo.Get(v.id, RecordTypeNominee, nomineeID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, meta, ErrNomineeNotFound
		}
		return nil, meta, err
	}
	if err := decodeMeta(env, &meta); err != nil {
		return nil, meta, v.integrity(RecordTypeNominee, nomineeID, err)
	}
	return env, meta, nil
}

// Nominees lists every nominee, active or not.
func (s *Session) Nominees(ctx context.Context) ([]Nominee, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Nominee
	err := s.withKey(func([]byte) error {
		ids, err := s.vault.repo.List(s.vault.id, RecordTypeNominee)
		if err != nil {
			return err
		}
		out = make([]Nominee, 0, len(ids))
		for _, id := range ids {
			_, meta, err := s.vault.loadNominee(id)
			if err != nil {
				if errors.Is(err, ErrNomineeNotFound) {
					continue
				}
				return err
			}
			out = append(out, *meta.public())
		}
		return nil
	})
	return out, err
}

// RemoveNominee deletes a nominee record.
func (s *Session) RemoveNominee(ctx context.Context, nomineeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withKey(func([]byte) error {
		if err := s.vault.repo.Delete(s.vault.id, RecordTypeNominee, nomineeID); err != nil {
			if storage.IsNotFound(err) {
				return ErrNomineeNotFound
			}
			return err
		}
		s.vault.logger.Info("nominee removed", "vault_id", s.vault.id, "nominee_id", nomineeID)
		return nil
	})
}

// NomineeShare returns the wrapped Share C stored for a nominee, for
// redelivery. It carries no plaintext.
func (v *Vault) NomineeShare(ctx context.Context, nomineeID string) (*WrappedShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, meta, err := v.loadNominee(nomineeID)
	if err != nil {
		return nil, err
	}
	if err := v.checkNomineeActive(meta); err != nil {
		return nil, err
	}
	return wrappedShareFrom(v.id, env, meta), nil
}

// ReadNominee unwraps a nominee's Share C with the nominee password. An
// unknown nominee and a wrong password both give ErrInvalidCredential.
func (v *Vault) ReadNominee(ctx context.Context, nomineeID, password string) (threshold.Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, meta, err := v.loadNominee(nomineeID)
	if err != nil {
		if errors.Is(err, ErrNomineeNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if err := v.checkNomineeActive(meta); err != nil {
		return nil, err
	}
	return wrappedShareFrom(v.id, env, meta).Open(password)
}

func (v *Vault) checkNomineeActive(meta nomineeMeta) error {
	if !meta.Active {
		return ErrNomineeInactive
	}
	set, err := v.currentShareSet()
	if err != nil {
		if errors.Is(err, ErrNoShareSet) {
			return ErrNomineeInactive
		}
		return err
	}
	if set.ID != meta.ShareSetID {
		return ErrNomineeInactive
	}
	return nil
}

// deactivatedNominees returns every active nominee rewritten as inactive.
func (v *Vault) deactivatedNominees() (map[string]*storage.Envelope, error) {
	ids, err := v.repo.List(v.id, RecordTypeNominee)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*storage.Envelope)
	now := v.now().UTC()
	for _, id := range ids {
		env, meta, err := v.loadNominee(id)
		if err != nil {
			if errors.Is(err, ErrNomineeNotFound) {
				continue
			}
			return nil, err
		}
		if !meta.Active {
			continue
		}
		meta.Active = false
		meta.UpdatedAt = now
		next := env.Clone()
		if next.Meta, err = encodeMeta(meta); err != nil {
			return nil, err
		}
		next.Version++
		out[id] = next
	}
	return out, nil
}
