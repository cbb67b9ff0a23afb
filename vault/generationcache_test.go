package vault

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGenerationCache(t *testing.T) {
	c := NewMemoryGenerationCache()
	assert.Equal(t, uint64(0), c.Seen("v"))

	require.NoError(t, c.Observe("v", 3))
	require.NoError(t, c.Observe("v", 3))
	assert.Equal(t, uint64(3), c.Seen("v"))

	require.ErrorIs(t, c.Observe("v", 2), ErrRollbackDetected)
	assert.Equal(t, uint64(3), c.Seen("v"))
	assert.Equal(t, uint64(0), c.Seen("other"))
}

func TestBoltGenerationCache_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.db")

	c, err := NewBoltGenerationCacheFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Observe("v", 5))
	require.ErrorIs(t, c.Observe("v", 4), ErrRollbackDetected)
	require.NoError(t, c.Close())

	reopened, err := NewBoltGenerationCacheFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(5), reopened.Seen("v"))
	require.ErrorIs(t, reopened.Observe("v", 1), ErrRollbackDetected)
}

type flakyStore struct {
	saved map[string]uint64
	fail  bool
}

func (s *flakyStore) Load() (map[string]uint64, error) { return s.saved, nil }

func (s *flakyStore) Save(vaultID string, gen uint64) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saved[vaultID] = gen
	return nil
}

func TestWatermarks_MarkMovesOnlyAfterSave(t *testing.T) {
	store := &flakyStore{saved: map[string]uint64{"v": 2}}
	w, err := NewWatermarks(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Seen("v"))

	store.fail = true
	require.Error(t, w.Observe("v", 4))
	assert.Equal(t, uint64(2), w.Seen("v"))

	store.fail = false
	require.NoError(t, w.Observe("v", 4))
	assert.Equal(t, uint64(4), store.saved["v"])
}
