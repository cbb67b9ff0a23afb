package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/storagetest"
	"github.com/jmcleod/ironkeep/vault"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IRONKEEP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IRONKEEP_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}
	return openTestPool(t, dsn)
}

func openTestPool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))

	reset := func() {
		pool.Exec(ctx, "DELETE FROM records")          //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM generation_cache") //nolint:errcheck
	}
	reset()
	t.Cleanup(func() {
		reset()
		pool.Close()
	})
	return pool
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return NewRepository(newTestPool(t))
	})
}

func TestPostgresStorage_ListVaults(t *testing.T) {
	s := NewRepository(newTestPool(t))
	require.NoError(t, s.Put("b", "STATE", "current", &storage.Envelope{Ver: 1, Scheme: storage.SchemeNone}))
	require.NoError(t, s.Put("a", "STATE", "current", &storage.Envelope{Ver: 1, Scheme: storage.SchemeNone}))

	ids, err := s.ListVaults()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestGenerationCache(t *testing.T) {
	pool := newTestPool(t)
	ctx := t.Context()

	c, err := NewGenerationCache(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Seen("v1"))

	require.NoError(t, c.Observe("v1", 3))
	require.NoError(t, c.Observe("v1", 3))
	assert.ErrorIs(t, c.Observe("v1", 2), vault.ErrRollbackDetected)

	reloaded, err := NewGenerationCache(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reloaded.Seen("v1"))
}
