package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/storage"
)

// Rotation records that a member's key pair was replaced because its
// private key could not be recovered. Grants sealed to the old public key
// are orphaned until Regrant runs for the member.
type Rotation struct {
	ID             string    `json:"id"`
	MemberID       string    `json:"member_id"`
	OldFingerprint string    `json:"old_fingerprint"`
	NewFingerprint string    `json:"new_fingerprint"`
	Reason         string    `json:"reason"`
	Generation     uint64    `json:"generation"`
	At             time.Time `json:"at"`
	Regranted      bool      `json:"regranted"`
}

func (r *Rotation) envelope() (*storage.Envelope, error) {
	return metaEnvelope(r, r.Generation)
}

// MemberInfo is the public view of a member record.
type MemberInfo struct {
	MemberID     string         `json:"member_id"`
	Role         members.Role   `json:"role"`
	Status       members.Status `json:"status"`
	Scheme       string         `json:"scheme"`
	Fingerprint  string         `json:"fingerprint"`
	Owner        bool           `json:"owner"`
	NeedsRegrant bool           `json:"needs_regrant"`
	AddedAt      time.Time      `json:"added_at"`
}

// AddMember registers a key pair the member created with members.CreateMember
// for this vault and grants it the vault key. The member stays pending until
// their first UnlockAsMember.
func (s *Session) AddMember(ctx context.Context, kp *members.KeyPair, role members.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if kp == nil || kp.WrappedPrivateKey == nil || kp.Verifier == nil || len(kp.PublicKey) == 0 {
		return validationErrorf("member key pair is incomplete")
	}
	if err := validateID(kp.MemberID, "member ID"); err != nil {
		return err
	}
	if !role.Valid() {
		return validationErrorf("invalid member role %q", role)
	}
	v := s.vault
	return s.withKey(func(vaultKey []byte) error {
		grant, err := members.GrantVaultAccess(v.id, vaultKey, kp)
		if err != nil {
			return err
		}
		meta := memberMeta{Role: role, Status: members.StatusPending, AddedAt: v.now().UTC()}
		memberEnv, err := memberEnvelope(kp, meta, 1)
		if err != nil {
			return err
		}
		verifierEnv, err := verifierEnvelope(kp, 1)
		if err != nil {
			return err
		}
		grantEnv, err := grantEnvelope(grant, 1)
		if err != nil {
			return err
		}
		err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(RecordTypeMember, kp.MemberID, 0, memberEnv); err != nil {
				return err
			}
			if err := tx.Put(RecordTypeVerifier, kp.MemberID, verifierEnv); err != nil {
				return err
			}
			return tx.Put(RecordTypeGrant, kp.MemberID, grantEnv)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			return ErrMemberExists
		}
		if err != nil {
			return fmt.Errorf("adding member: %w", err)
		}
		v.logger.Info("member added", "vault_id", v.id, "member_id", kp.MemberID, "role", role, "scheme", kp.Scheme)
		return nil
	})
}

// UnlockAsMember unwraps the member's private key with password and opens
// their grant. The first success moves the member from pending to accepted.
func (v *Vault) UnlockAsMember(ctx context.Context, memberID, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(memberID, "member ID"); err != nil {
		return nil, err
	}
	release, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := v.loadState()
	if err != nil {
		return nil, err
	}
	s := v.newSession(memberID, memberID == st.OwnerID)
	if err := s.transition(StateUnlocking); err != nil {
		return nil, err
	}

	kp, meta, err := v.loadKeyPair(memberID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	keys, err := crypto.DeriveKeys(password, kp.Salt, crypto.WithKDFParams(kp.KDFParams))
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	if err := members.CheckVerifier(v.id, kp, keys); err != nil {
		return nil, ErrInvalidCredential
	}
	priv, err := members.UnwrapPrivateKeyWithKeys(v.id, kp, keys)
	if err != nil {
		if errors.Is(err, members.ErrInvalidCredential) {
			return nil, ErrInvalidCredential
		}
		return nil, v.integrity(RecordTypeMember, memberID, err)
	}
	defer priv.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	grantEnv, err := v.repo.Get(v.id, RecordTypeGrant, memberID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, v.missing(RecordTypeGrant, memberID, err)
		}
		return nil, err
	}
	grant, err := grantFrom(grantEnv)
	if err != nil {
		return nil, v.integrity(RecordTypeGrant, memberID, err)
	}
	if grant.Fingerprint != kp.Fingerprint() {
		v.logger.Warn("grant targets a replaced key pair, regrant pending",
			"vault_id", v.id, "member_id", memberID,
			"grant_fingerprint", grant.Fingerprint, "member_fingerprint", kp.Fingerprint())
		return nil, ErrMissingKeyMaterial
	}
	vaultKey, err := members.OpenGrant(v.id, grant, priv)
	if err != nil {
		return nil, v.integrity(RecordTypeGrant, memberID, err)
	}
	defer util.WipeBytes(vaultKey)
	if err := st.checkKey(vaultKey); err != nil {
		return nil, v.integrity(RecordTypeGrant, memberID, err)
	}
	if err := v.genCache.Observe(v.id, st.Generation); err != nil {
		return nil, err
	}

	if meta.Status == members.StatusPending {
		if err := v.acceptMember(memberID); err != nil {
			v.logger.Warn("marking member accepted", "vault_id", v.id, "member_id", memberID, "error", err)
		}
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching member private key", "vault_id", v.id, "member_id", memberID, "error", err)
		}
	}
	v.prime()

	v.logger.Info("member unlocked", "vault_id", v.id, "member_id", memberID)
	s.open(vaultKey, st.Generation, StateUnlocked)
	return s, nil
}

func (v *Vault) acceptMember(memberID string) error {
	env, err := v.repo.Get(v.id, RecordTypeMember, memberID)
	if err != nil {
		return err
	}
	var meta memberMeta
	if err := decodeMeta(env, &meta); err != nil {
		return err
	}
	meta.Status = members.StatusAccepted
	next := env.Clone()
	if next.Meta, err = encodeMeta(meta); err != nil {
		return err
	}
	next.Version++
	if err := v.repo.PutCAS(v.id, RecordTypeMember, memberID, env.Version, next); err != nil {
		return err
	}
	v.logger.Info("member accepted", "vault_id", v.id, "member_id", memberID)
	return nil
}

// ChangeMemberPassword re-wraps a non-owner member's private key under a new
// password. The key pair and its grant are unchanged.
func (v *Vault) ChangeMemberPassword(ctx context.Context, memberID, oldPassword, newPassword, confirm string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNewPassword(newPassword, confirm, v.minPasswordLen); err != nil {
		return err
	}
	release, err := v.begin()
	if err != nil {
		return err
	}
	defer release()

	st, err := v.loadState()
	if err != nil {
		return err
	}
	if memberID == st.OwnerID {
		return validationErrorf("the owner password changes through an unlocked owner session")
	}
	memberEnv, verifierEnv, err := v.memberRecords(memberID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return ErrInvalidCredential
		}
		return err
	}
	kp, meta, err := keyPairFrom(memberEnv, verifierEnv)
	if err != nil {
		return v.integrity(RecordTypeMember, memberID, err)
	}
	priv, err := members.UnwrapPrivateKey(v.id, kp, oldPassword)
	if err != nil {
		if errors.Is(err, members.ErrInvalidCredential) {
			return ErrInvalidCredential
		}
		return v.integrity(RecordTypeMember, memberID, err)
	}
	defer priv.Destroy()

	newKP, err := members.Rewrap(v.id, kp, priv, newPassword, members.WithKDFParams(v.kdfParams))
	if err != nil {
		return err
	}
	if err := v.commitMemberKeys(memberEnv, verifierEnv, newKP, meta, nil); err != nil {
		return err
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching member private key", "vault_id", v.id, "member_id", memberID, "error", err)
		}
	}
	v.logger.Info("member password changed", "vault_id", v.id, "member_id", memberID)
	return nil
}

// ReplaceMemberKeys sets a new password for a non-owner member who can no
// longer unwrap their private key. When the key ring still holds the private
// key it is re-wrapped and nothing else changes. Otherwise a new key pair is
// generated and a Rotation is recorded; the member cannot unlock until
// Regrant re-issues their grant. The returned bool reports a replacement.
func (v *Vault) ReplaceMemberKeys(ctx context.Context, memberID, newPassword, confirm string) (*members.KeyPair, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := checkNewPassword(newPassword, confirm, v.minPasswordLen); err != nil {
		return nil, false, err
	}
	release, err := v.begin()
	if err != nil {
		return nil, false, err
	}
	defer release()

	st, err := v.loadState()
	if err != nil {
		return nil, false, err
	}
	if memberID == st.OwnerID {
		return nil, false, validationErrorf("the owner recovers through a recovery artifact or shares")
	}
	memberEnv, verifierEnv, err := v.memberRecords(memberID)
	if err != nil {
		return nil, false, err
	}
	kp, meta, err := keyPairFrom(memberEnv, verifierEnv)
	if err != nil {
		return nil, false, v.integrity(RecordTypeMember, memberID, err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, false, err
	}
	keys, err := crypto.DeriveKeys(newPassword, salt, crypto.WithKDFParams(v.kdfParams))
	if err != nil {
		return nil, false, err
	}
	defer keys.Wipe()

	var (
		newKP    *members.KeyPair
		priv     *members.PrivateKey
		rotation *Rotation
	)
	if v.keyRing != nil {
		if cached, ok := v.keyRing.Get(memberID); ok {
			newKP, err = members.RewrapWithKeys(v.id, kp, cached, keys, salt, v.kdfParams)
			if err == nil {
				priv = cached
			} else {
				cached.Destroy()
			}
		}
	}
	if priv == nil {
		newKP, priv, err = members.CreateMemberWithKeys(v.id, keys, salt,
			members.WithMemberID(memberID),
			members.WithScheme(kp.Scheme),
			members.WithKDFParams(v.kdfParams))
		if err != nil {
			return nil, false, fmt.Errorf("replacing member key pair: %w", err)
		}
		rotation = &Rotation{
			ID:             uuid.New(),
			MemberID:       memberID,
			OldFingerprint: kp.Fingerprint(),
			NewFingerprint: newKP.Fingerprint(),
			Reason:         RotationMemberReset,
			Generation:     memberEnv.Version + 1,
			At:             v.now().UTC(),
		}
	}
	defer priv.Destroy()

	if err := v.commitMemberKeys(memberEnv, verifierEnv, newKP, meta, rotation); err != nil {
		return nil, false, err
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching member private key", "vault_id", v.id, "member_id", memberID, "error", err)
		}
	}
	if rotation != nil {
		v.logger.Warn("member private key unavailable, key pair replaced; regrant required",
			"vault_id", v.id, "member_id", memberID,
			"old_fingerprint", rotation.OldFingerprint, "new_fingerprint", rotation.NewFingerprint)
		if err := v.notifier.MemberRotated(ctx, v.id, *rotation); err != nil {
			v.logger.Warn("delivering rotation notice", "vault_id", v.id, "error", err)
		}
	}
	return newKP, rotation != nil, nil
}

func (v *Vault) memberRecords(memberID string) (memberEnv, verifierEnv *storage.Envelope, err error) {
	memberEnv, err = v.repo.Get(v.id, RecordTypeMember, memberID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, ErrMemberNotFound
		}
		return nil, nil, err
	}
	verifierEnv, err = v.repo.Get(v.id, RecordTypeVerifier, memberID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, nil, err
	}
	return memberEnv, verifierEnv, nil
}

// commitMemberKeys supersedes a non-owner member's MEMBER and VERIFIER
// records, plus the rotation notice when the key pair changed.
func (v *Vault) commitMemberKeys(memberEnv, verifierEnv *storage.Envelope, kp *members.KeyPair, meta memberMeta, rotation *Rotation) error {
	version := memberEnv.Version + 1
	newMember, err := memberEnvelope(kp, meta, version)
	if err != nil {
		return err
	}
	newVerifier, err := verifierEnvelope(kp, version)
	if err != nil {
		return err
	}
	var rotationEnv *storage.Envelope
	if rotation != nil {
		if rotationEnv, err = rotation.envelope(); err != nil {
			return err
		}
	}
	err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(RecordTypeMember, kp.MemberID, memberEnv.Version, newMember); err != nil {
			return err
		}
		if err := tx.Put(RecordTypeVerifier, kp.MemberID, newVerifier); err != nil {
			return err
		}
		if rotationEnv != nil {
			return tx.Put(RecordTypeRotation, rotation.ID, rotationEnv)
		}
		return nil
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return v.syncConflict(RecordTypeMember, kp.MemberID, err)
	}
	if err != nil {
		return fmt.Errorf("committing member keys: %w", err)
	}
	return nil
}

// Members lists every member of the vault, owner included.
func (s *Session) Members(ctx context.Context) ([]MemberInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []MemberInfo
	err := s.withKey(func([]byte) error {
		var err error
		out, err = s.vault.listMembers()
		return err
	})
	return out, err
}

func (v *Vault) listMembers() ([]MemberInfo, error) {
	st, err := v.loadState()
	if err != nil {
		return nil, err
	}
	ids, err := v.repo.List(v.id, RecordTypeMember)
	if err != nil {
		return nil, err
	}
	out := make([]MemberInfo, 0, len(ids))
	for _, id := range ids {
		kp, meta, err := v.loadKeyPair(id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		info := MemberInfo{
			MemberID:    id,
			Role:        meta.Role,
			Status:      meta.Status,
			Scheme:      kp.Scheme,
			Fingerprint: kp.Fingerprint(),
			Owner:       id == st.OwnerID,
			AddedAt:     meta.AddedAt,
		}
		info.NeedsRegrant, err = v.needsRegrant(kp)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (v *Vault) needsRegrant(kp *members.KeyPair) (bool, error) {
	env, err := v.repo.Get(v.id, RecordTypeGrant, kp.MemberID)
	if err != nil {
		if storage.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	g, err := grantFrom(env)
	if err != nil {
		return true, nil
	}
	return g.Fingerprint != kp.Fingerprint(), nil
}

// PendingRegrants lists members whose grant is missing or sealed to a
// public key they no longer hold.
func (s *Session) PendingRegrants(ctx context.Context) ([]string, error) {
	all, err := s.Members(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range all {
		if m.NeedsRegrant {
			ids = append(ids, m.MemberID)
		}
	}
	return ids, nil
}

// Regrant seals the vault key to the member's current public key and marks
// their outstanding rotations as settled.
func (s *Session) Regrant(ctx context.Context, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := s.vault
	return s.withKey(func(vaultKey []byte) error {
		kp, _, err := v.loadKeyPair(memberID)
		if err != nil {
			if storage.IsNotFound(err) {
				return ErrMemberNotFound
			}
			return err
		}
		grant, err := members.GrantVaultAccess(v.id, vaultKey, kp)
		if err != nil {
			return err
		}
		grantEnv, err := grantEnvelope(grant, v.nextVersion(RecordTypeGrant, memberID))
		if err != nil {
			return err
		}
		rotations, err := v.listRotations()
		if err != nil {
			return err
		}
		settled := make(map[string]*storage.Envelope)
		for _, r := range rotations {
			if r.MemberID != memberID || r.Regranted {
				continue
			}
			r.Regranted = true
			env, err := r.envelope()
			if err != nil {
				return err
			}
			settled[r.ID] = env
		}
		err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
			if err := tx.Put(RecordTypeGrant, memberID, grantEnv); err != nil {
				return err
			}
			for id, env := range settled {
				if err := tx.Put(RecordTypeRotation, id, env); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("regranting member: %w", err)
		}
		v.logger.Info("member regranted", "vault_id", v.id, "member_id", memberID,
			"fingerprint", grant.Fingerprint, "rotations_settled", len(settled))
		return nil
	})
}

// Rotations returns every key-pair replacement, oldest first.
func (s *Session) Rotations(ctx context.Context) ([]Rotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Rotation
	err := s.withKey(func([]byte) error {
		var err error
		out, err = s.vault.listRotations()
		return err
	})
	return out, err
}

func (v *Vault) listRotations() ([]Rotation, error) {
	ids, err := v.repo.List(v.id, RecordTypeRotation)
	if err != nil {
		return nil, err
	}
	out := make([]Rotation, 0, len(ids))
	for _, id := range ids {
		env, err := v.repo.Get(v.id, RecordTypeRotation, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var r Rotation
		if err := decodeMeta(env, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// RemoveMember deletes a member's key material and grant. The vault key is
// not rotated, so a removed member who kept a copy of it can still read
// content encrypted before removal.
func (s *Session) RemoveMember(ctx context.Context, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := s.vault
	return s.withKey(func([]byte) error {
		st, err := v.loadState()
		if err != nil {
			return err
		}
		if memberID == st.OwnerID {
			return validationErrorf("the owner cannot be removed")
		}
		var present []string
		for _, rt := range []string{RecordTypeMember, RecordTypeVerifier, RecordTypeGrant} {
			if _, err := v.repo.Get(v.id, rt, memberID); err == nil {
				present = append(present, rt)
			} else if !storage.IsNotFound(err) {
				return err
			}
		}
		if len(present) == 0 {
			return ErrMemberNotFound
		}
		err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
			for _, rt := range present {
				if err := tx.Delete(rt, memberID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("removing member: %w", err)
		}
		if v.keyRing != nil {
			v.keyRing.Forget(memberID)
		}
		v.logger.Info("member removed", "vault_id", v.id, "member_id", memberID)
		return nil
	})
}
