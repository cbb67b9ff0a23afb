// Package vault orchestrates the key-custody protocol for one vault: the
// password and recovery wraps of the vault key, member grants, nominee share
// sets and the forced-reset workflow.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jmcleod/ironkeep/blob"
	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/keysync"
	"github.com/jmcleod/ironkeep/members"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
)

// Vault is a handle on one vault's records in a Repository.
type Vault struct {
	id        string
	repo      storage.Repository
	genCache  GenerationCache
	custodian Custodian
	notifier  Notifier
	keyRing   members.KeyRing
	blobs     blob.Store
	logger    *slog.Logger

	kdfParams      crypto.KDFParams
	memberScheme   string
	wrapScheme     string
	minPasswordLen int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	now            func() time.Time

	// mu serializes unlocks and rewraps; a second caller gets ErrBusy.
	mu      sync.Mutex
	blocked atomic.Bool
}

// New creates a Vault handle for the given vault ID and storage backend.
func New(id string, repo storage.Repository, opts ...Option) *Vault {
	v := &Vault{
		id:             id,
		repo:           repo,
		genCache:       NewMemoryGenerationCache(),
		notifier:       nopNotifier{},
		logger:         slog.Default(),
		kdfParams:      crypto.DefaultKDFParams(),
		memberScheme:   members.SchemeX25519,
		wrapScheme:     crypto.SchemeAESGCM,
		minPasswordLen: DefaultMinPassword,
		idleTimeout:    DefaultSessionTimeout,
		maxLifetime:    DefaultSessionLifetime,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vault")
	return v
}

// ID returns the vault's identifier.
func (v *Vault) ID() string {
	return v.id
}

// Blocked reports whether a partial commit has blocked the vault.
func (v *Vault) Blocked() bool {
	return v.blocked.Load()
}

// Unblock clears the block after an operator has reconciled the records.
func (v *Vault) Unblock() {
	v.blocked.Store(false)
	v.logger.Warn("vault unblocked by operator", "vault_id", v.id)
}

func (v *Vault) begin() (func(), error) {
	if v.blocked.Load() {
		return nil, ErrVaultBlocked
	}
	if !v.mu.TryLock() {
		return nil, ErrBusy
	}
	return v.mu.Unlock, nil
}

// Create initializes a new vault owned by the holder of password. It
// persists the state, both vault-key wraps and the owner's member key
// material in one batch, then returns an unlocked Session and the first
// recovery artifact. The caller must Destroy the artifact once shown.
func (v *Vault) Create(ctx context.Context, password string) (*Session, crypto.RecoveryArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := validateID(v.id, "vault ID"); err != nil {
		return nil, nil, err
	}
	if err := crypto.ValidateKDFParams(v.kdfParams); err != nil {
		return nil, nil, validationErrorf("%v", err)
	}
	if err := checkPasswordStrength(password, v.minPasswordLen); err != nil {
		return nil, nil, err
	}
	release, err := v.begin()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	if _, err := v.repo.Get(v.id, RecordTypeState, recordIDCurrent); err == nil {
		return nil, nil, ErrVaultExists
	} else if !storage.IsNotFound(err) {
		return nil, nil, fmt.Errorf("checking vault state: %w", err)
	}

	vaultKey, err := util.NewAESKey()
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(vaultKey)

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	keys, err := crypto.DeriveKeys(password, salt, crypto.WithKDFParams(v.kdfParams))
	if err != nil {
		return nil, nil, err
	}
	defer keys.Wipe()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ownerID := uuid.New()
	kp, priv, err := members.CreateMemberWithKeys(v.id, keys, salt,
		members.WithMemberID(ownerID),
		members.WithScheme(v.memberScheme),
		members.WithKDFParams(v.kdfParams))
	if err != nil {
		return nil, nil, fmt.Errorf("creating owner key pair: %w", err)
	}
	defer priv.Destroy()

	artifact, err := crypto.NewRecoveryArtifact()
	if err != nil {
		return nil, nil, err
	}
	recoverySalt, err := crypto.NewSalt()
	if err != nil {
		artifact.Destroy()
		return nil, nil, err
	}

	now := v.now().UTC()
	meta := stateMeta{
		VaultID:            v.id,
		OwnerID:            ownerID,
		Salt:               salt,
		KDF:                v.kdfParams,
		RecoverySalt:       recoverySalt,
		Generation:         1,
		RecoveryGeneration: 1,
		MemberScheme:       v.memberScheme,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	owner := memberMeta{Role: members.RoleAdmin, Status: members.StatusAccepted, AddedAt: now}

	recs, err := v.passwordRecords(vaultKey, keys, kp, owner, meta)
	if err != nil {
		artifact.Destroy()
		return nil, nil, err
	}
	recoveryEnv, err := v.recoveryRecord(vaultKey, artifact, meta)
	if err != nil {
		artifact.Destroy()
		return nil, nil, err
	}
	grant, err := members.GrantVaultAccess(v.id, vaultKey, kp)
	if err != nil {
		artifact.Destroy()
		return nil, nil, err
	}
	grantEnv, err := grantEnvelope(grant, 1)
	if err != nil {
		artifact.Destroy()
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		artifact.Destroy()
		return nil, nil, err
	}

	err = v.repo.Batch(v.id, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(RecordTypeState, recordIDCurrent, 0, recs.state); err != nil {
			return err
		}
		if err := recs.put(tx); err != nil {
			return err
		}
		if err := tx.Put(RecordTypeWrap, methodRecovery, recoveryEnv); err != nil {
			return err
		}
		return tx.Put(RecordTypeGrant, ownerID, grantEnv)
	})
	if err != nil {
		artifact.Destroy()
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, nil, ErrVaultExists
		}
		return nil, nil, fmt.Errorf("creating vault: %w", err)
	}

	if err := v.genCache.Observe(v.id, meta.Generation); err != nil {
		artifact.Destroy()
		return nil, nil, err
	}
	if v.keyRing != nil {
		if err := v.keyRing.Put(priv); err != nil {
			v.logger.Warn("caching owner private key", "vault_id", v.id, "error", err)
		}
	}
	if err := v.notifier.RecoveryArtifact(ctx, v.id, ownerID, artifact); err != nil {
		v.logger.Warn("delivering recovery artifact", "vault_id", v.id, "error", err)
	}
	v.logger.Info("vault created", "vault_id", v.id, "owner_id", ownerID, "member_scheme", v.memberScheme)

	s := v.newSession(ownerID, true)
	s.open(vaultKey, meta.Generation, StateUnlocked)
	return s, artifact, nil
}

// Unlock runs the credential's unlock path and returns a Session. A
// password lands in StateUnlocked; a recovery artifact lands in
// StateForcedReset. Every credential failure, including an unknown vault,
// is ErrInvalidCredential.
func (v *Vault) Unlock(ctx context.Context, cred Credential) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrInvalidCredential
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

	s := v.newSession(st.OwnerID, true)
	if err := s.transition(StateUnlocking); err != nil {
		return nil, err
	}

	if err := v.checkConsistency(st); err != nil {
		return nil, err
	}

	vaultKey, err := cred.unlock(ctx, v, st)
	if err != nil {
		v.logger.Debug("unlock failed", "vault_id", v.id, "credential", cred.kind())
		return nil, err
	}
	defer util.WipeBytes(vaultKey)

	if cred.next() == StateForcedReset {
		if err := s.transition(StateReconstructing); err != nil {
			return nil, err
		}
	}
	if err := st.checkKey(vaultKey); err != nil {
		return nil, v.integrity(RecordTypeState, recordIDCurrent, err)
	}
	if err := v.genCache.Observe(v.id, st.Generation); err != nil {
		return nil, err
	}
	if cred.next() == StateUnlocked {
		v.prime()
	}

	v.logger.Info("vault unlocked", "vault_id", v.id, "credential", cred.kind(), "generation", st.Generation)
	s.open(vaultKey, st.Generation, cred.next())
	return s, nil
}

// RecoverWithShares reconstructs the vault key from any two shares of the
// current share set. Like a recovery artifact, it lands in forced-reset.
// Shares of a superseded set fail with ErrStaleShare, and with no share set
// on record the call fails with ErrNoShareSet.
func (v *Vault) RecoverWithShares(ctx context.Context, shares ...threshold.Share) (*Session, error) {
	if err := ctx.Err(); err != nil {
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
	s := v.newSession(st.OwnerID, true)
	if err := s.transition(StateUnlocking); err != nil {
		return nil, err
	}
	if err := v.checkConsistency(st); err != nil {
		return nil, err
	}
	set, err := v.currentShareSet()
	if err != nil {
		return nil, err
	}
	for _, sh := range shares {
		if x := sh.X(); x != set.XA && x != set.XB && x != set.XC {
			return nil, ErrStaleShare
		}
	}

	vaultKey, err := threshold.Combine(shares...)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(vaultKey)

	if err := s.transition(StateReconstructing); err != nil {
		return nil, err
	}
	if err := st.checkKey(vaultKey); err != nil {
		return nil, v.integrity(RecordTypeShareSet, recordIDCurrent, err)
	}
	if err := v.onCurrentSet(vaultKey, set, shares); err != nil {
		return nil, err
	}
	if err := v.genCache.Observe(v.id, st.Generation); err != nil {
		return nil, err
	}

	v.logger.Info("vault reconstructed from shares", "vault_id", v.id, "generation", st.Generation)
	s.open(vaultKey, st.Generation, StateForcedReset)
	return s, nil
}

// onCurrentSet checks every share against the current set's polynomial.
// Old shares with coordinates the new set happens to reuse still
// interpolate the vault key, so matching coordinates is not enough.
func (v *Vault) onCurrentSet(vaultKey []byte, set *shareSetRecord, shares []threshold.Share) error {
	for _, sh := range shares {
		want, err := v.share(vaultKey, set, sh.X())
		if err != nil {
			return err
		}
		ok := util.ConstantTimeEqual(want, sh)
		want.Wipe()
		if !ok {
			return ErrStaleShare
		}
	}
	return nil
}

// loadState reads STATE and runs the rollback check. A missing vault is
// reported as ErrInvalidCredential.
func (v *Vault) loadState() (*vaultState, error) {
	if err := validateID(v.id, "vault ID"); err != nil {
		return nil, err
	}
	env, err := v.repo.Get(v.id, RecordTypeState, recordIDCurrent)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("loading vault state: %w", err)
	}
	st, err := decodeState(v.id, env)
	if err != nil {
		return nil, v.integrity(RecordTypeState, recordIDCurrent, err)
	}
	if maxSeen := v.genCache.Seen(v.id); st.Generation < maxSeen {
		v.logger.Error("rollback detected",
			"vault_id", v.id, "generation", st.Generation, "max_seen", maxSeen)
		return nil, ErrRollbackDetected
	}
	return st, nil
}

// checkConsistency compares the generations of the records that must move
// together. A mismatch blocks the vault.
func (v *Vault) checkConsistency(st *vaultState) error {
	expect := []struct {
		recordType, recordID string
		version              uint64
	}{
		{RecordTypeWrap, methodPassword, st.Generation},
		{RecordTypeVerifier, st.OwnerID, st.Generation},
		{RecordTypeMember, st.OwnerID, st.Generation},
		{RecordTypeWrap, methodRecovery, st.RecoveryGeneration},
	}
	for _, e := range expect {
		env, err := v.repo.Get(v.id, e.recordType, e.recordID)
		if err != nil {
			if storage.IsNotFound(err) {
				return v.missing(e.recordType, e.recordID, err)
			}
			return fmt.Errorf("loading %s/%s: %w", e.recordType, e.recordID, err)
		}
		if env.Version != e.version {
			return v.block(e.recordType, e.recordID, e.version, env.Version)
		}
	}
	return nil
}

func (v *Vault) block(recordType, recordID string, want, got uint64) error {
	v.blocked.Store(true)
	v.logger.Error("partial commit detected, vault blocked",
		"error", ErrPartialCommit,
		"vault_id", v.id, "record_type", recordType, "record_id", recordID,
		"expected_generation", want, "found_generation", got)
	return ErrPartialCommit
}

func (v *Vault) missing(recordType, recordID string, err error) error {
	v.logger.Error("missing key material",
		"vault_id", v.id, "record_type", recordType, "record_id", recordID, "error", err)
	return ErrMissingKeyMaterial
}

func (v *Vault) integrity(recordType, recordID string, err error) error {
	v.logger.Error("integrity failure",
		"vault_id", v.id, "record_type", recordType, "record_id", recordID, "error", err)
	return ErrIntegrityFailure
}

func (v *Vault) syncConflict(recordType, recordID string, err error) error {
	v.logger.Warn("cached key material disagreed with server",
		"vault_id", v.id, "record_type", recordType, "record_id", recordID, "error", err)
	return ErrSyncConflict
}

// resolve reads a record and hands it to open, through the repository's
// single retry policy when it has one.
func (v *Vault) resolve(recordType, recordID string, open func(*storage.Envelope) error) error {
	if r, ok := v.repo.(interface {
		Resolve(vaultID, recordType, recordID string, open func(*storage.Envelope) error) (keysync.Source, error)
	}); ok {
		_, err := r.Resolve(v.id, recordType, recordID, open)
		return err
	}
	env, err := v.repo.Get(v.id, recordType, recordID)
	if err != nil {
		return err
	}
	return open(env)
}

// prime refreshes a caching repository's copy of the key material. It is
// best effort.
func (v *Vault) prime() {
	p, ok := v.repo.(interface {
		Prime(vaultID string, recordTypes ...string) error
	})
	if !ok {
		return
	}
	if err := p.Prime(v.id, KeyMaterialTypes...); err != nil {
		v.logger.Warn("priming key-material cache", "vault_id", v.id, "error", err)
	}
}

func (v *Vault) loadKeyPair(memberID string) (*members.KeyPair, memberMeta, error) {
	memberEnv, err := v.repo.Get(v.id, RecordTypeMember, memberID)
	if err != nil {
		return nil, memberMeta{}, err
	}
	verifierEnv, err := v.repo.Get(v.id, RecordTypeVerifier, memberID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, memberMeta{}, err
	}
	return keyPairFrom(memberEnv, verifierEnv)
}

// recordSet is the password-bound records rewritten together: STATE,
// WRAP/password, VERIFIER/<holder> and MEMBER/<holder>.
type recordSet struct {
	holderID string
	state    *storage.Envelope
	wrap     *storage.Envelope
	verifier *storage.Envelope
	member   *storage.Envelope
}

// put writes everything but STATE, which callers write with PutCAS.
func (r *recordSet) put(tx storage.BatchTx) error {
	if err := tx.Put(RecordTypeWrap, methodPassword, r.wrap); err != nil {
		return err
	}
	if err := tx.Put(RecordTypeVerifier, r.holderID, r.verifier); err != nil {
		return err
	}
	return tx.Put(RecordTypeMember, r.holderID, r.member)
}

func (v *Vault) passwordRecords(vaultKey []byte, keys *crypto.DerivedKeys, kp *members.KeyPair, owner memberMeta, meta stateMeta) (*recordSet, error) {
	gen := meta.Generation
	w, err := crypto.Wrap(vaultKey, keys.Wrapping, icrypto.AADWrap(v.id, methodPassword, gen, formatVersion),
		crypto.WithScheme(v.wrapScheme))
	if err != nil {
		return nil, fmt.Errorf("wrapping vault key: %w", err)
	}
	r := &recordSet{holderID: kp.MemberID}
	if r.wrap, err = wrappedEnvelope(w, wrapMeta{Method: methodPassword, Generation: gen}, gen); err != nil {
		return nil, err
	}
	if r.verifier, err = verifierEnvelope(kp, gen); err != nil {
		return nil, err
	}
	if r.member, err = memberEnvelope(kp, owner, gen); err != nil {
		return nil, err
	}
	if r.state, err = stateEnvelope(vaultKey, meta); err != nil {
		return nil, err
	}
	return r, nil
}

func (v *Vault) recoveryRecord(vaultKey []byte, artifact crypto.RecoveryArtifact, meta stateMeta) (*storage.Envelope, error) {
	rk, err := artifact.WrappingKey(meta.RecoverySalt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(rk)
	gen := meta.RecoveryGeneration
	w, err := crypto.Wrap(vaultKey, rk, icrypto.AADWrap(v.id, methodRecovery, gen, formatVersion),
		crypto.WithScheme(v.wrapScheme))
	if err != nil {
		return nil, fmt.Errorf("wrapping vault key for recovery: %w", err)
	}
	return wrappedEnvelope(w, wrapMeta{Method: methodRecovery, Generation: gen}, gen)
}

// verifyCommit reads back a committed rewrap. Any record left at another
// generation is a partial commit.
func (v *Vault) verifyCommit(gen, recoveryGen uint64) error {
	env, err := v.repo.Get(v.id, RecordTypeState, recordIDCurrent)
	if err != nil {
		v.logger.Warn("reading back committed state", "vault_id", v.id, "error", err)
		return nil
	}
	st, err := decodeState(v.id, env)
	if err != nil {
		return v.integrity(RecordTypeState, recordIDCurrent, err)
	}
	if st.Generation != gen {
		return v.block(RecordTypeState, recordIDCurrent, gen, st.Generation)
	}
	if st.RecoveryGeneration != recoveryGen {
		return v.block(RecordTypeState, recordIDCurrent, recoveryGen, st.RecoveryGeneration)
	}
	if err := v.checkConsistency(st); err != nil {
		switch {
		case errors.Is(err, ErrPartialCommit):
			return err
		case errors.Is(err, ErrMissingKeyMaterial):
			v.blocked.Store(true)
			return ErrPartialCommit
		default:
			v.logger.Warn("reading back committed records", "vault_id", v.id, "error", err)
		}
	}
	return nil
}
