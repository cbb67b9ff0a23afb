package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/storage"
)

// Rotation reasons.
const (
	RotationForcedReset = "forced-reset: private key unavailable"
	RotationMemberReset = "member reset: private key unavailable"
)

func checkNewPassword(password, confirm string, minLen int) error {
	if subtle.ConstantTimeCompare([]byte(password), []byte(confirm)) != 1 {
		return ErrPasswordMismatch
	}
	return checkPasswordStrength(password, minLen)
}

// CompleteReset leaves forced-reset. It re-wraps the unchanged vault key
// under newPassword, issues a new recovery artifact and invalidates the
// current share set and its nominees, all in one batch. The owner's private
// key is re-wrapped when the key ring still holds it; otherwise a new key
// pair is generated, granted and recorded as a Rotation.
//
// The session stays in forced-reset if anything fails before the commit.
func (s *Session) CompleteReset(ctx context.Context, newPassword, confirm string) (crypto.RecoveryArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHeld(StateForcedReset); err != nil {
		return nil, err
	}
	if err := checkNewPassword(newPassword, confirm, s.vault.minPasswordLen); err != nil {
		return nil, err
	}
	release, err := s.vault.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.transition(StateRewrapping); err != nil {
		return nil, err
	}
	artifact, gen, err := s.vault.reset(ctx, s.key.Bytes(), newPassword)
	if err != nil {
		if terr := s.transition(StateForcedReset); terr != nil {
			s.lockHeld()
		}
		return nil, err
	}
	s.generation = gen
	s.touch()
	if err := s.transition(StateUnlocked); err != nil {
		artifact.Destroy()
		return nil, err
	}
	return artifact, nil
}

func (v *Vault) reset(ctx context.Context, vaultKey []byte, newPassword string) (crypto.RecoveryArtifact, uint64, error) {
	st, err := v.loadState()
	if err != nil {
		return nil, 0, err
	}
	if err := st.checkKey(vaultKey); err != nil {
		return nil, 0, v.integrity(RecordTypeState, recordIDCurrent, err)
	}
	if err := v.checkConsistency(st); err != nil {
		return nil, 0, err
	}
	oldKP, owner, err := v.loadKeyPair(st.OwnerID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, 0, v.missing(RecordTypeMember, st.OwnerID, err)
		}
		return nil, 0, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, 0, err
	}
	keys, err := crypto.DeriveKeys(newPassword, salt, crypto.WithKDFParams(v.kdfParams))
	if err != nil {
		return nil, 0, err
	}
	defer keys.Wipe()
	recoverySalt, err := crypto.NewSalt()
	if err != nil {
		return nil, 0, err
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	next := st.stateMeta
	next.Salt = salt
	next.KDF = v.kdfParams
	next.RecoverySalt = recoverySalt
	next.Generation++
	next.RecoveryGeneration++
	next.UpdatedAt = v.now().UTC()

	kp, priv, rotation, err := v.ownerKeyForReset(oldKP, keys, salt, next)
	if err != nil {
		return nil, 0, err
	}
	defer priv.Destroy()

	recs, err := v.passwordRecords(vaultKey, keys, kp, owner, next)
	if err != nil {
		return nil, 0, err
	}
	artifact, err := crypto.NewRecoveryArtifact()
	if err != nil {
		return nil, 0, err
	}
	commitOK := false
	defer func() {
		if !commitOK {
			artifact.Destroy()
		}
	}()
	recoveryEnv, err := v.recoveryRecord(vaultKey, artifact, next)
	if err != nil {
		return nil, 0, err
	}

	var grantEnv, rotationEnv *storage.Envelope
	if rotation != nil {
		grant, err := members.GrantVaultAccess(v.id, vaultKey, kp)
		if err != nil {
			return nil, 0, err
		}
		if grantEnv, err = grantEnvelope(grant, v.nextVersion(RecordTypeGrant, kp.MemberID)); err != nil {
			return nil, 0, err
		}
		// The owner's own grant is re-issued here, so the rotation is
		// already settled.
		rotation.Regranted = true
		if rotationEnv, err = rotation.envelope(); err != nil {
			return nil, 0, err
		}
	}

	oldSet, err := v.currentShareSet()
	if err != nil && !errors.Is(err, ErrNoShareSet) {
		return nil, 0, err
	}
	nominees, err := v.deactivatedNominees()
	if err != nil {
		return nil, 0, err
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(RecordTypeState, recordIDCurrent, st.Generation, recs.state); err != nil {
			return err
		}
		if err := recs.put(tx); err != nil {
			return err
		}
		if err := tx.Put(RecordTypeWrap, methodRecovery, recoveryEnv); err != nil {
			return err
		}
		if grantEnv != nil {
			if err := tx.Put(RecordTypeGrant, kp.MemberID, grantEnv); err != nil {
				return err
			}
			if err := tx.Put(RecordTypeRotation, rotation.ID, rotationEnv); err != nil {
				return err
			}
		}
		if oldSet != nil {
			if err := tx.Delete(RecordTypeShareSet, recordIDCurrent); err != nil {
				return err
			}
		}
		for id, env := range nominees {
			if err := tx.Put(RecordTypeNominee, id, env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, 0, v.syncConflict(RecordTypeState, recordIDCurrent, err)
		}
		return nil, 0, fmt.Errorf("committing reset: %w", err)
	}
	if err := v.verifyCommit(next.Generation, next.RecoveryGeneration); err != nil {
		return nil, 0, err
	}
	commitOK = true

	if err := v.genCache.Observe(v.id, next.Generation); err != nil {
		v.logger.Error("recording generation after reset", "vault_id", v.id, "error", err)
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching owner private key", "vault_id", v.id, "error", err)
		}
	}
	if oldSet != nil && v.custodian != nil {
		if err := v.custodian.Revoke(ctx, v.id, oldSet.ID); err != nil {
			v.logger.Warn("revoking custodial share", "vault_id", v.id, "share_set_id", oldSet.ID, "error", err)
		}
	}
	if err := v.notifier.RecoveryArtifact(ctx, v.id, st.OwnerID, artifact); err != nil {
		v.logger.Warn("delivering recovery artifact", "vault_id", v.id, "error", err)
	}
	if rotation != nil {
		if err := v.notifier.MemberRotated(ctx, v.id, *rotation); err != nil {
			v.logger.Warn("delivering rotation notice", "vault_id", v.id, "error", err)
		}
	}

	v.logger.Info("forced reset complete",
		"vault_id", v.id, "generation", next.Generation,
		"recovery_generation", next.RecoveryGeneration,
		"owner_key_replaced", rotation != nil,
		"nominees_deactivated", len(nominees))
	return artifact, next.Generation, nil
}

// ownerKeyForReset re-wraps the owner's cached private key under keys, or
// replaces the key pair when no cached copy exists.
func (v *Vault) ownerKeyForReset(old *members.KeyPair, keys *crypto.DerivedKeys, salt []byte, next stateMeta) (*members.KeyPair, *members.PrivateKey, *Rotation, error) {
	if v.keyRing != nil {
		if priv, ok := v.keyRing.Get(old.MemberID); ok {
			kp, err := members.RewrapWithKeys(v.id, old, priv, keys, salt, next.KDF)
			if err == nil {
				return kp, priv, nil, nil
			}
			priv.Destroy()
			v.logger.Warn("cached owner key no longer matches, replacing",
				"vault_id", v.id, "member_id", old.MemberID, "error", err)
		}
	}

	kp, priv, err := members.CreateMemberWithKeys(v.id, keys, salt,
		members.WithMemberID(old.MemberID),
		members.WithScheme(old.Scheme),
		members.WithKDFParams(next.KDF))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replacing owner key pair: %w", err)
	}
	rotation := &Rotation{
		ID:             uuid.New(),
		MemberID:       old.MemberID,
		OldFingerprint: old.Fingerprint(),
		NewFingerprint: kp.Fingerprint(),
		Reason:         RotationForcedReset,
		Generation:     next.Generation,
		At:             next.UpdatedAt,
	}
	v.logger.Warn("owner private key unavailable, key pair replaced",
		"vault_id", v.id, "member_id", old.MemberID,
		"old_fingerprint", rotation.OldFingerprint, "new_fingerprint", rotation.NewFingerprint)
	return kp, priv, rotation, nil
}

// ChangePassword re-wraps the caller's key material under newPassword.
// For the owner this supersedes the password wrap, the verifier and the
// private-key wrap in one batch; the recovery wrap is untouched. For a
// member it is ChangeMemberPassword.
func (s *Session) ChangePassword(ctx context.Context, oldPassword, newPassword, confirm string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHeld(StateUnlocked); err != nil {
		return err
	}
	if !s.owner {
		return s.vault.ChangeMemberPassword(ctx, s.memberID, oldPassword, newPassword, confirm)
	}
	if err := checkNewPassword(newPassword, confirm, s.vault.minPasswordLen); err != nil {
		return err
	}
	release, err := s.vault.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := s.transition(StateRewrapping); err != nil {
		return err
	}
	gen, err := s.vault.changeOwnerPassword(ctx, s.key.Bytes(), oldPassword, newPassword)
	if terr := s.transition(StateUnlocked); terr != nil {
		s.lockHeld()
		return terr
	}
	if err != nil {
		return err
	}
	s.generation = gen
	s.touch()
	return nil
}

func (v *Vault) changeOwnerPassword(ctx context.Context, vaultKey []byte, oldPassword, newPassword string) (uint64, error) {
	st, err := v.loadState()
	if err != nil {
		return 0, err
	}
	if err := st.checkKey(vaultKey); err != nil {
		return 0, v.integrity(RecordTypeState, recordIDCurrent, err)
	}
	if err := v.checkConsistency(st); err != nil {
		return 0, err
	}
	kp, owner, err := v.loadKeyPair(st.OwnerID)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, v.missing(RecordTypeMember, st.OwnerID, err)
		}
		return 0, err
	}

	oldKeys, err := crypto.DeriveKeys(oldPassword, st.Salt, crypto.WithKDFParams(st.KDF))
	if err != nil {
		return 0, err
	}
	defer oldKeys.Wipe()
	if err := members.CheckVerifier(v.id, kp, oldKeys); err != nil {
		return 0, ErrInvalidCredential
	}
	priv, err := members.UnwrapPrivateKeyWithKeys(v.id, kp, oldKeys)
	if err != nil {
		return 0, v.integrity(RecordTypeMember, st.OwnerID, err)
	}
	defer priv.Destroy()

	salt, err := crypto.NewSalt()
	if err != nil {
		return 0, err
	}
	keys, err := crypto.DeriveKeys(newPassword, salt, crypto.WithKDFParams(v.kdfParams))
	if err != nil {
		return 0, err
	}
	defer keys.Wipe()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	next := st.stateMeta
	next.Salt = salt
	next.KDF = v.kdfParams
	next.Generation++
	next.UpdatedAt = v.now().UTC()

	newKP, err := members.RewrapWithKeys(v.id, kp, priv, keys, salt, next.KDF)
	if err != nil {
		return 0, err
	}
	recs, err := v.passwordRecords(vaultKey, keys, newKP, owner, next)
	if err != nil {
		return 0, err
	}

	err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(RecordTypeState, recordIDCurrent, st.Generation, recs.state); err != nil {
			return err
		}
		return recs.put(tx)
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return 0, v.syncConflict(RecordTypeState, recordIDCurrent, err)
		}
		return 0, fmt.Errorf("committing password change: %w", err)
	}
	if err := v.verifyCommit(next.Generation, next.RecoveryGeneration); err != nil {
		return 0, err
	}

	if err := v.genCache.Observe(v.id, next.Generation); err != nil {
		v.logger.Error("recording generation after password change", "vault_id", v.id, "error", err)
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching owner private key", "vault_id", v.id, "error", err)
		}
	}
	v.logger.Info("owner password changed", "vault_id", v.id, "generation", next.Generation)
	return next.Generation, nil
}

// nextVersion returns one past the stored record's version, or 1.
func (v *Vault) nextVersion(recordType, recordID string) uint64 {
	env, err := v.repo.Get(v.id, recordType, recordID)
	if err != nil {
		return 1
	}
	return env.Version + 1
}
