// Package custody is the service side of Share B. The service holds each
// vault's custodial share under a service key and releases it to a nominee
// only after their request has waited out the nominee's trigger delay.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/lockout"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

// Record types owned by the custody service.
const (
	RecordTypeShare   = "CUSTODY"
	RecordTypeRequest = "CUSTODY_REQ"
)

const (
	shareRecordID = "share"
	formatVersion = 1
	day           = 24 * time.Hour
)

// releasePolicy locks a release request after three premature attempts.
var releasePolicy = lockout.Policy{
	Threshold: 3,
	Base:      time.Minute,
	Max:       time.Hour,
	Expiry:    day,
}

var (
	// ErrNoShare is returned when no custodial share is held for a vault.
	ErrNoShare = errors.New("no custodial share deposited")
	// ErrShareSetMismatch is returned when a request or revocation targets a
	// share set other than the one currently held.
	ErrShareSetMismatch = errors.New("share set superseded")
	// ErrRequestNotFound is returned for an unknown release request.
	ErrRequestNotFound = errors.New("release request not found")
	// ErrRequestClosed is returned when a request was already released,
	// cancelled or superseded.
	ErrRequestClosed = errors.New("release request is closed")
	// ErrNotReleasable is returned when a request has not yet matured.
	ErrNotReleasable = errors.New("release request has not matured")
	// ErrInvalidRequest is returned by the client when the server rejects
	// malformed input, such as a request id that is not a UUID.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidServiceKey is returned for a service key of the wrong size.
	ErrInvalidServiceKey = errors.New("service key must be 32 bytes")
)

// BackoffError is returned while premature release attempts are locked out.
type BackoffError struct {
	RetryAfter time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("too many premature release attempts; retry in %s", e.RetryAfter.Round(time.Second))
}

// Unwrap lets callers match the lockout with errors.Is(err, ErrNotReleasable).
func (e *BackoffError) Unwrap() error {
	return ErrNotReleasable
}

type shareMeta struct {
	ShareSetID  string    `json:"share_set_id"`
	X           uint8     `json:"x"`
	DepositedAt time.Time `json:"deposited_at"`
}

// Deposit describes the custodial share currently held for a vault.
type Deposit struct {
	VaultID     string    `json:"vault_id"`
	ShareSetID  string    `json:"share_set_id"`
	X           uint8     `json:"x"`
	DepositedAt time.Time `json:"deposited_at"`
}

// Service holds custodial shares. It satisfies vault.Custodian for an
// in-process deployment; remote owners reach it through Client.
type Service struct {
	repo    storage.Repository
	key     *memguard.Enclave
	logger  *slog.Logger
	now     func() time.Time
	limiter *lockout.Tracker

	// mu serializes writes per service; custody traffic is low-volume.
	mu sync.Mutex
}

var _ vault.Custodian = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService moves serviceKey into a memguard enclave, wiping the caller's
// copy, and returns a Service storing its records in repo.
func NewService(repo storage.Repository, serviceKey []byte, opts ...Option) (*Service, error) {
	if len(serviceKey) != 32 {
		return nil, ErrInvalidServiceKey
	}
	s := &Service{
		repo:   repo,
		key:    memguard.NewEnclave(serviceKey),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "custody")
	s.limiter = lockout.New(releasePolicy, s.now)
	return s, nil
}

// Run sweeps expired backoff state until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("release lockouts expired", "count", n)
			}
		}
	}
}

func (s *Service) withKey(fn func(key []byte) error) error {
	lb, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening service key: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// Deposit stores share under the service key as the vault's custodial
// share, superseding any earlier set and its open requests.
func (s *Service) Deposit(ctx context.Context, vaultID, shareSetID string, share threshold.Share) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vaultID == "" || shareSetID == "" {
		return errors.New("vault ID and share set ID are required")
	}
	if len(share) < 2 {
		return threshold.ErrMalformedShare
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var w *crypto.WrappedKey
	err := s.withKey(func(key []byte) error {
		var err error
		w, err = crypto.Wrap(share, key, icrypto.AADCustody(vaultID, shareSetID, formatVersion))
		return err
	})
	if err != nil {
		return err
	}
	meta, err := json.Marshal(shareMeta{ShareSetID: shareSetID, X: share.X(), DepositedAt: s.now().UTC()})
	if err != nil {
		return err
	}

	var version uint64 = 1
	if old, err := s.repo.Get(vaultID, RecordTypeShare, shareRecordID); err == nil {
		version = old.Version + 1
	} else if !storage.IsNotFound(err) {
		return err
	}
	env := &storage.Envelope{
		Ver:        formatVersion,
		Scheme:     w.Scheme,
		Nonce:      w.Nonce,
		Ciphertext: w.Ciphertext,
		Meta:       meta,
		Version:    version,
	}
	superseded, err := s.closeRequests(vaultID, func(r *Request) bool { return r.ShareSetID != shareSetID }, StatusSuperseded)
	if err != nil {
		return err
	}
	err = s.repo.Batch(vaultID, func(tx storage.BatchTx) error {
		if err := tx.Put(RecordTypeShare, shareRecordID, env); err != nil {
			return err
		}
		return putRequests(tx, superseded)
	})
	if err != nil {
		return fmt.Errorf("storing custodial share: %w", err)
	}
	s.logger.Info("custodial share deposited", "vault_id", vaultID, "share_set_id", shareSetID,
		"requests_superseded", len(superseded))
	return nil
}

// Revoke drops the custodial share of shareSetID and closes its open
// requests. Revoking a set that is no longer held only closes requests.
func (s *Service) Revoke(ctx context.Context, vaultID, shareSetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := s.deposit(vaultID)
	if err != nil && !errors.Is(err, ErrNoShare) {
		return err
	}
	dropShare := held != nil && held.ShareSetID == shareSetID
	revoked, err := s.closeRequests(vaultID, func(r *Request) bool { return r.ShareSetID == shareSetID }, StatusSuperseded)
	if err != nil {
		return err
	}
	if !dropShare && len(revoked) == 0 {
		return nil
	}
	err = s.repo.Batch(vaultID, func(tx storage.BatchTx) error {
		if dropShare {
			if err := tx.Delete(RecordTypeShare, shareRecordID); err != nil {
				return err
			}
		}
		return putRequests(tx, revoked)
	})
	if err != nil {
		return fmt.Errorf("revoking custodial share: %w", err)
	}
	s.logger.Info("custodial share revoked", "vault_id", vaultID, "share_set_id", shareSetID,
		"share_dropped", dropShare, "requests_closed", len(revoked))
	return nil
}

// Held returns the custodial share currently held for vaultID.
func (s *Service) Held(ctx context.Context, vaultID string) (*Deposit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.deposit(vaultID)
}

func (s *Service) deposit(vaultID string) (*Deposit, error) {
	env, err := s.repo.Get(vaultID, RecordTypeShare, shareRecordID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNoShare
		}
		return nil, err
	}
	var meta shareMeta
	if err := env.DecodeMeta(&meta); err != nil {
		return nil, fmt.Errorf("decoding custodial share metadata: %w", err)
	}
	return &Deposit{VaultID: vaultID, ShareSetID: meta.ShareSetID, X: meta.X, DepositedAt: meta.DepositedAt}, nil
}

// openShare unwraps the held share, which must belong to shareSetID.
func (s *Service) openShare(vaultID, shareSetID string) (threshold.Share, error) {
	env, err := s.repo.Get(vaultID, RecordTypeShare, shareRecordID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNoShare
		}
		return nil, err
	}
	var meta shareMeta
	if err := env.DecodeMeta(&meta); err != nil {
		return nil, fmt.Errorf("decoding custodial share metadata: %w", err)
	}
	if meta.ShareSetID != shareSetID {
		return nil, ErrShareSetMismatch
	}
	var share threshold.Share
	err = s.withKey(func(key []byte) error {
		raw, err := crypto.Unwrap(&crypto.WrappedKey{Scheme: env.Scheme, Nonce: env.Nonce, Ciphertext: env.Ciphertext}, key,
			icrypto.AADCustody(vaultID, shareSetID, formatVersion))
		if err != nil {
			s.logger.Error("custodial share failed integrity check",
				"vault_id", vaultID, "share_set_id", shareSetID, "error", err)
			return vault.ErrIntegrityFailure
		}
		share = threshold.Share(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if share.X() != meta.X {
		util.WipeBytes(share)
		return nil, vault.ErrIntegrityFailure
	}
	return share, nil
}
