// Package postgres is the authoritative server-side storage.Repository.
//
// Records live in one table keyed by (vault_id, record_type, record_id),
// the same key space the bbolt and memory backends use, with each envelope
// field in its own column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkeep/storage"
)

const defaultQueryTimeout = 10 * time.Second

// Store is a storage.Repository over a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ storage.Repository = (*Store)(nil)

type Option func(*Store)

// WithQueryTimeout bounds each call, or each whole Batch.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, timeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRepositoryFromDSN connects, migrates the schema and returns the store.
func NewRepositoryFromDSN(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool, opts...), nil
}

// Pool is shared with the generation cache.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// scope runs record statements for one vault against q.
type scope struct {
	ctx   context.Context
	q     querier
	vault string
}

// do runs fn in a vault scope on the pool, bounded by the query timeout.
func (s *Store) do(vaultID string, fn func(sc scope) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return fn(scope{ctx: ctx, q: s.pool, vault: vaultID})
}

const (
	selectRecord = `SELECT ver, scheme, nonce, ciphertext, meta, version FROM records
	WHERE vault_id = $1 AND record_type = $2 AND record_id = $3`
	lockVersion = `SELECT version FROM records
	WHERE vault_id = $1 AND record_type = $2 AND record_id = $3 FOR UPDATE`
	upsertRecord = `INSERT INTO records (vault_id, record_type, record_id, ver, scheme, nonce, ciphertext, meta, version, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	ON CONFLICT (vault_id, record_type, record_id) DO UPDATE SET
		ver = EXCLUDED.ver, scheme = EXCLUDED.scheme, nonce = EXCLUDED.nonce,
		ciphertext = EXCLUDED.ciphertext, meta = EXCLUDED.meta,
		version = EXCLUDED.version, updated_at = now()`
	deleteRecord = `DELETE FROM records WHERE vault_id = $1 AND record_type = $2 AND record_id = $3`
	vaultExists  = `SELECT EXISTS (SELECT 1 FROM records WHERE vault_id = $1)`
)

func (sc scope) get(typ, id string) (*storage.Envelope, error) {
	var (
		env     storage.Envelope
		version int64
	)
	err := sc.q.QueryRow(sc.ctx, selectRecord, sc.vault, typ, id).
		Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &env.Meta, &version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, sc.missing(typ, id)
	case err != nil:
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func (sc scope) put(typ, id string, env *storage.Envelope) error {
	_, err := sc.q.Exec(sc.ctx, upsertRecord, sc.vault, typ, id,
		env.Ver, env.Scheme, env.Nonce, env.Ciphertext, env.Meta, int64(env.Version))
	return err
}

// putCAS must run inside a transaction so the row lock holds until commit.
func (sc scope) putCAS(typ, id string, expected uint64, env *storage.Envelope) error {
	var current int64
	err := sc.q.QueryRow(sc.ctx, lockVersion, sc.vault, typ, id).Scan(&current)
	present := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err := storage.CheckVersion(present, uint64(current), expected); err != nil {
		return err
	}
	return sc.put(typ, id, env)
}

func (sc scope) delete(typ, id string) error {
	tag, err := sc.q.Exec(sc.ctx, deleteRecord, sc.vault, typ, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sc.missing(typ, id)
	}
	return nil
}

// missing reports ErrVaultNotFound when the vault has no records at all,
// as the other backends do.
func (sc scope) missing(typ, id string) error {
	var exists bool
	if err := sc.q.QueryRow(sc.ctx, vaultExists, sc.vault).Scan(&exists); err == nil && !exists {
		return fmt.Errorf("%s: %w", sc.vault, storage.ErrVaultNotFound)
	}
	return fmt.Errorf("%s/%s: %w", typ, id, storage.ErrNotFound)
}

func (s *Store) Get(vaultID, recordType, recordID string) (env *storage.Envelope, err error) {
	err = s.do(vaultID, func(sc scope) error {
		env, err = sc.get(recordType, recordID)
		return err
	})
	return env, err
}

func (s *Store) Put(vaultID, recordType, recordID string, envelope *storage.Envelope) error {
	return s.do(vaultID, func(sc scope) error { return sc.put(recordType, recordID, envelope) })
}

func (s *Store) Delete(vaultID, recordType, recordID string) error {
	return s.do(vaultID, func(sc scope) error { return sc.delete(recordType, recordID) })
}

func (s *Store) PutCAS(vaultID, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(vaultID, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) List(vaultID, recordType string) (ids []string, err error) {
	err = s.do(vaultID, func(sc scope) error {
		rows, err := sc.q.Query(sc.ctx,
			`SELECT record_id FROM records WHERE vault_id = $1 AND record_type = $2 ORDER BY record_id`,
			vaultID, recordType)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return ids, err
}

// ListVaults returns every vault ID with at least one record.
func (s *Store) ListVaults() (ids []string, err error) {
	err = s.do("", func(sc scope) error {
		rows, err := sc.q.Query(sc.ctx, `SELECT DISTINCT vault_id FROM records ORDER BY vault_id`)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return ids, err
}

// Batch runs fn in one transaction. CAS checks lock their rows, so
// concurrent writers to the same record serialise.
func (s *Store) Batch(vaultID string, fn func(tx storage.BatchTx) error) error {
	return s.do(vaultID, func(sc scope) error {
		return pgx.BeginFunc(sc.ctx, s.pool, func(tx pgx.Tx) error {
			return fn(batchTx{scope{ctx: sc.ctx, q: tx, vault: vaultID}})
		})
	})
}

type batchTx struct{ sc scope }

func (b batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return b.sc.put(recordType, recordID, envelope)
}

func (b batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return b.sc.putCAS(recordType, recordID, expectedVersion, envelope)
}

func (b batchTx) Delete(recordType, recordID string) error {
	return b.sc.delete(recordType, recordID)
}
