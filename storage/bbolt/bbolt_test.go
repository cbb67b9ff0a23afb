package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBoltStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)

	s := NewRepository(db)
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("cipher"), Version: 4}
	require.NoError(t, s.Put("v1", "WRAP", "password", env))
	require.NoError(t, s.Close())

	s2, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get("v1", "WRAP", "password")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Version)
	assert.Equal(t, []byte("cipher"), got.Ciphertext)
}

func TestBBoltStorage_DropVault(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("v1", "WRAP", "password", &storage.Envelope{Ver: 1}))
	require.NoError(t, s.DropVault("v1"))
	require.NoError(t, s.DropVault("v1"))

	_, err := s.Get("v1", "WRAP", "password")
	assert.ErrorIs(t, err, storage.ErrVaultNotFound)
}

func TestBBoltStorage_NestedBuckets(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("v1", "MEMBER", "a:b", &storage.Envelope{Ver: 1}))
	require.NoError(t, s.Put("v1", "MEMBER_GRANT", "a", &storage.Envelope{Ver: 1}))

	ids, err := s.List("v1", "MEMBER")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:b"}, ids)

	ids, err = s.List("v1", "NOMINEE")
	require.NoError(t, err)
	assert.Empty(t, ids)

	err = s.Delete("v1", "NOMINEE", "n1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.Delete("v2", "NOMINEE", "n1")
	assert.ErrorIs(t, err, storage.ErrVaultNotFound)
}

func TestBBoltStorage_FileLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = NewRepositoryFromFile(path, &bbolt.Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
}
