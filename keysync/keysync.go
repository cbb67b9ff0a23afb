// Package keysync layers a local key-material cache under the authoritative
// server repository.
//
// The policy is encoded once, here:
//   - reads go to the server first; the cache is consulted only when the
//     server reports storage.ErrUnavailable
//   - writes go to the server first; the cache is updated only with values
//     the server just accepted
//   - a cached record that disagrees with the server is overwritten, never
//     merged, and never pushed back to the server
//   - a cached record that fails to open is discarded and not retried,
//     unless the opener reports ErrCredentialRejected: a wrong secret says
//     nothing about the record
package keysync

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/jmcleod/ironkeep/storage"
)

var (
	// ErrSyncConflict marks a cached record that disagreed with the server.
	ErrSyncConflict = errors.New("local cache disagrees with server")
	// ErrStaleCache is returned when a record served from the cache failed
	// to open. The entry has been discarded.
	ErrStaleCache = errors.New("cached key material is stale")
	// ErrCredentialRejected is wrapped by an opener when the caller's secret
	// did not match a record that is otherwise sound. Resolve passes it
	// through and keeps the cache entry.
	ErrCredentialRejected = errors.New("credential rejected")
)

// Source records where a resolved record came from.
type Source int

const (
	SourceServer Source = iota
	SourceCache
)

func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "server"
}

// Conflict describes one cache entry replaced by the server copy.
type Conflict struct {
	VaultID       string
	RecordType    string
	RecordID      string
	ServerVersion uint64
	CacheVersion  uint64
	// ServerMissing is set when the server no longer holds the record.
	ServerMissing bool
}

// Store is a storage.Repository that reads through and writes through a
// local cache. A nil cache makes it a plain server pass-through.
type Store struct {
	server     storage.Repository
	cache      storage.Repository
	logger     *slog.Logger
	onConflict func(Conflict)
	conflicts  *atomic.Uint64
	fallbacks  *atomic.Uint64
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithConflictHandler registers a callback for every replaced cache entry.
func WithConflictHandler(fn func(Conflict)) Option {
	return func(s *Store) {
		s.onConflict = fn
	}
}

// New returns a Store over server with an optional local cache.
func New(server, cache storage.Repository, opts ...Option) *Store {
	s := &Store{
		server:    server,
		cache:     cache,
		logger:    slog.Default(),
		conflicts: atomic.NewUint64(0),
		fallbacks: atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conflicts returns how many cache entries were replaced by server copies.
func (s *Store) Conflicts() uint64 {
	return s.conflicts.Load()
}

// Fallbacks returns how many reads were served from the cache.
func (s *Store) Fallbacks() uint64 {
	return s.fallbacks.Load()
}

// Resolve fetches a record and hands it to open. When the record came from
// the cache and open fails, the entry is discarded and the error is wrapped
// in ErrStaleCache; there is no further attempt with another copy. An error
// wrapping ErrCredentialRejected leaves the entry in place.
func (s *Store) Resolve(vaultID, recordType, recordID string, open func(*storage.Envelope) error) (Source, error) {
	env, src, err := s.get(vaultID, recordType, recordID)
	if err != nil {
		return src, err
	}
	if err := open(env); err != nil {
		if src == SourceCache && !errors.Is(err, ErrCredentialRejected) {
			s.discard(vaultID, recordType, recordID)
			return src, fmt.Errorf("%w: %s/%s: %w", ErrStaleCache, recordType, recordID, err)
		}
		return src, err
	}
	return src, nil
}

func (s *Store) Get(vaultID, recordType, recordID string) (*storage.Envelope, error) {
	env, _, err := s.get(vaultID, recordType, recordID)
	return env, err
}

func (s *Store) get(vaultID, recordType, recordID string) (*storage.Envelope, Source, error) {
	env, err := s.server.Get(vaultID, recordType, recordID)
	switch {
	case err == nil:
		s.refresh(vaultID, recordType, recordID, env)
		return env, SourceServer, nil
	case storage.IsNotFound(err):
		s.forget(vaultID, recordType, recordID)
		return nil, SourceServer, err
	case errors.Is(err, storage.ErrUnavailable) && s.cache != nil:
		cached, cerr := s.cache.Get(vaultID, recordType, recordID)
		if cerr != nil {
			return nil, SourceServer, err
		}
		s.fallbacks.Inc()
		s.logger.Warn("server unavailable, serving cached key material",
			"vault_id", vaultID, "record_type", recordType, "record_id", recordID,
			"generation", cached.Version)
		return cached, SourceCache, nil
	default:
		return nil, SourceServer, err
	}
}

// refresh makes the cache match a server copy.
func (s *Store) refresh(vaultID, recordType, recordID string, env *storage.Envelope) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Get(vaultID, recordType, recordID)
	if err == nil {
		if sameEnvelope(cached, env) {
			return
		}
		s.conflict(Conflict{
			VaultID:       vaultID,
			RecordType:    recordType,
			RecordID:      recordID,
			ServerVersion: env.Version,
			CacheVersion:  cached.Version,
		})
	}
	if err := s.cache.Put(vaultID, recordType, recordID, env); err != nil {
		s.logger.Warn("updating key-material cache failed",
			"vault_id", vaultID, "record_type", recordType, "record_id", recordID, "error", err)
	}
}

// forget drops a cache entry the server no longer holds.
func (s *Store) forget(vaultID, recordType, recordID string) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Get(vaultID, recordType, recordID)
	if err != nil {
		return
	}
	s.conflict(Conflict{
		VaultID:       vaultID,
		RecordType:    recordType,
		RecordID:      recordID,
		CacheVersion:  cached.Version,
		ServerMissing: true,
	})
	s.discard(vaultID, recordType, recordID)
}

func (s *Store) discard(vaultID, recordType, recordID string) {
	if s.cache == nil {
		return
	}
	err := s.cache.Delete(vaultID, recordType, recordID)
	if err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("discarding cached key material failed",
			"vault_id", vaultID, "record_type", recordType, "record_id", recordID, "error", err)
		return
	}
	s.logger.Info("discarded cached key material",
		"vault_id", vaultID, "record_type", recordType, "record_id", recordID)
}

func (s *Store) conflict(c Conflict) {
	s.conflicts.Inc()
	s.logger.Warn("sync conflict, server copy wins",
		"error", ErrSyncConflict,
		"vault_id", c.VaultID, "record_type", c.RecordType, "record_id", c.RecordID,
		"server_generation", c.ServerVersion, "cache_generation", c.CacheVersion,
		"server_missing", c.ServerMissing)
	if s.onConflict != nil {
		s.onConflict(c)
	}
}

func sameEnvelope(a, b *storage.Envelope) bool {
	return a.Version == b.Version &&
		a.Ver == b.Ver &&
		a.Scheme == b.Scheme &&
		bytes.Equal(a.Nonce, b.Nonce) &&
		bytes.Equal(a.Ciphertext, b.Ciphertext) &&
		bytes.Equal(a.Meta, b.Meta)
}

// List asks the server, falling back to the cache only when unavailable.
func (s *Store) List(vaultID, recordType string) ([]string, error) {
	ids, err := s.server.List(vaultID, recordType)
	if errors.Is(err, storage.ErrUnavailable) && s.cache != nil {
		s.fallbacks.Inc()
		return s.cache.List(vaultID, recordType)
	}
	return ids, err
}

func (s *Store) Put(vaultID, recordType, recordID string, envelope *storage.Envelope) error {
	if err := s.server.Put(vaultID, recordType, recordID, envelope); err != nil {
		return err
	}
	s.cachePut(vaultID, recordType, recordID, envelope)
	return nil
}

func (s *Store) PutCAS(vaultID, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	if err := s.server.PutCAS(vaultID, recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	s.cachePut(vaultID, recordType, recordID, envelope)
	return nil
}

func (s *Store) Delete(vaultID, recordType, recordID string) error {
	if err := s.server.Delete(vaultID, recordType, recordID); err != nil {
		return err
	}
	s.discard(vaultID, recordType, recordID)
	return nil
}

// Batch commits fn on the server and, only after the commit succeeds,
// replays the accepted writes into the cache.
func (s *Store) Batch(vaultID string, fn func(tx storage.BatchTx) error) error {
	var rec *recordingTx
	err := s.server.Batch(vaultID, func(tx storage.BatchTx) error {
		rec = &recordingTx{inner: tx}
		return fn(rec)
	})
	if err != nil || s.cache == nil {
		return err
	}
	for _, op := range rec.ops {
		if op.env == nil {
			s.discard(vaultID, op.recordType, op.recordID)
			continue
		}
		s.cachePut(vaultID, op.recordType, op.recordID, op.env)
	}
	return nil
}

func (s *Store) cachePut(vaultID, recordType, recordID string, env *storage.Envelope) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(vaultID, recordType, recordID, env); err != nil {
		s.logger.Warn("updating key-material cache failed",
			"vault_id", vaultID, "record_type", recordType, "record_id", recordID, "error", err)
	}
}

type batchOp struct {
	recordType string
	recordID   string
	env        *storage.Envelope // nil for delete
}

type recordingTx struct {
	inner storage.BatchTx
	ops   []batchOp
}

func (tx *recordingTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	if err := tx.inner.Put(recordType, recordID, envelope); err != nil {
		return err
	}
	tx.ops = append(tx.ops, batchOp{recordType, recordID, envelope.Clone()})
	return nil
}

func (tx *recordingTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	if err := tx.inner.PutCAS(recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	tx.ops = append(tx.ops, batchOp{recordType, recordID, envelope.Clone()})
	return nil
}

func (tx *recordingTx) Delete(recordType, recordID string) error {
	if err := tx.inner.Delete(recordType, recordID); err != nil {
		return err
	}
	tx.ops = append(tx.ops, batchOp{recordType: recordType, recordID: recordID})
	return nil
}

// Prime copies the server's current records of the given types into the
// cache and drops cached entries the server no longer has. It never writes
// to the server.
func (s *Store) Prime(vaultID string, recordTypes ...string) error {
	if s.cache == nil {
		return nil
	}
	for _, rt := range recordTypes {
		ids, err := s.server.List(vaultID, rt)
		if err != nil {
			return fmt.Errorf("listing %s: %w", rt, err)
		}
		live := make(map[string]bool, len(ids))
		for _, id := range ids {
			live[id] = true
			env, err := s.server.Get(vaultID, rt, id)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("fetching %s/%s: %w", rt, id, err)
			}
			s.refresh(vaultID, rt, id, env)
		}
		cached, err := s.cache.List(vaultID, rt)
		if err != nil {
			return fmt.Errorf("listing cached %s: %w", rt, err)
		}
		for _, id := range cached {
			if !live[id] {
				s.forget(vaultID, rt, id)
			}
		}
	}
	return nil
}
