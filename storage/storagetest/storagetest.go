// Package storagetest holds the behavioural checks every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
)

func envelope(version uint64, ct string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAESGCM,
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(ct),
		Meta:       []byte(`{"k":"v"}`),
		Version:    version,
	}
}

// Run exercises a fresh repository returned by newRepo for each subtest.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		env := envelope(1, "ciphertext")
		require.NoError(t, repo.Put("v1", "WRAP", "password", env))

		got, err := repo.Get("v1", "WRAP", "password")
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Nonce, got.Nonce)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Meta, got.Meta)
		assert.Equal(t, env.Version, got.Version)

		got.Ciphertext[0] = 'X'
		again, err := repo.Get("v1", "WRAP", "password")
		require.NoError(t, err)
		assert.Equal(t, byte('c'), again.Ciphertext[0], "returned envelopes must not alias stored data")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get("missing", "WRAP", "password")
		assert.True(t, storage.IsNotFound(err), "got %v", err)

		require.NoError(t, repo.Put("v1", "WRAP", "password", envelope(1, "c")))
		_, err = repo.Get("v1", "WRAP", "recovery")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("v1", "MEMBER", "b", envelope(1, "c")))
		require.NoError(t, repo.Put("v1", "MEMBER", "a", envelope(1, "c")))
		require.NoError(t, repo.Put("v1", "GRANT", "a", envelope(1, "c")))
		require.NoError(t, repo.Put("v2", "MEMBER", "z", envelope(1, "c")))

		ids, err := repo.List("v1", "MEMBER")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		ids, err = repo.List("nonexistent", "MEMBER")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("v1", "NOMINEE", "n1", envelope(1, "c")))
		require.NoError(t, repo.Put("v1", "NOMINEE", "n2", envelope(1, "c")))
		require.NoError(t, repo.Delete("v1", "NOMINEE", "n1"))

		_, err := repo.Get("v1", "NOMINEE", "n1")
		assert.True(t, storage.IsNotFound(err))
		_, err = repo.Get("v1", "NOMINEE", "n2")
		assert.NoError(t, err)

		err = repo.Delete("v1", "NOMINEE", "n1")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutCAS("v1", "STATE", "current", 0, envelope(1, "a")))

		err := repo.PutCAS("v1", "STATE", "current", 0, envelope(1, "b"))
		assert.ErrorIs(t, err, storage.ErrCASFailed, "create-only must fail when present")

		err = repo.PutCAS("v1", "STATE", "other", 1, envelope(1, "b"))
		assert.ErrorIs(t, err, storage.ErrCASFailed, "update must fail when absent")

		require.NoError(t, repo.PutCAS("v1", "STATE", "current", 1, envelope(2, "b")))

		err = repo.PutCAS("v1", "STATE", "current", 1, envelope(3, "c"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		got, err := repo.Get("v1", "STATE", "current")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("v1", "WRAP", "old", envelope(1, "c")))
		err := repo.Batch("v1", func(tx storage.BatchTx) error {
			if err := tx.Put("WRAP", "password", envelope(1, "p")); err != nil {
				return err
			}
			if err := tx.PutCAS("STATE", "current", 0, envelope(1, "s")); err != nil {
				return err
			}
			return tx.Delete("WRAP", "old")
		})
		require.NoError(t, err)

		_, err = repo.Get("v1", "WRAP", "password")
		assert.NoError(t, err)
		_, err = repo.Get("v1", "STATE", "current")
		assert.NoError(t, err)
		_, err = repo.Get("v1", "WRAP", "old")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("v1", "WRAP", "password", envelope(1, "orig")))

		boom := errors.New("simulated error")
		err := repo.Batch("v1", func(tx storage.BatchTx) error {
			if err := tx.Put("WRAP", "password", envelope(2, "new")); err != nil {
				return err
			}
			if err := tx.Put("WRAP", "recovery", envelope(2, "new")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.Get("v1", "WRAP", "password")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
		assert.Equal(t, []byte("orig"), got.Ciphertext)
		_, err = repo.Get("v1", "WRAP", "recovery")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchCASFailureRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("v1", "STATE", "current", envelope(5, "s")))

		err := repo.Batch("v1", func(tx storage.BatchTx) error {
			if err := tx.Put("WRAP", "password", envelope(6, "p")); err != nil {
				return err
			}
			return tx.PutCAS("STATE", "current", 4, envelope(6, "s"))
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get("v1", "WRAP", "password")
		assert.True(t, storage.IsNotFound(err))
	})
}
