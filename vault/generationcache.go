package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrRollbackDetected is returned when the stored state generation is older
// than one this client has already accepted.
var ErrRollbackDetected = errors.New("rollback detected: storage generation is older than cached generation")

// GenerationCache remembers, per vault, the highest state generation this
// client has accepted. Reading a lower one later means the store was
// rolled back.
type GenerationCache interface {
	Seen(vaultID string) uint64
	Observe(vaultID string, gen uint64) error
}

// GenerationStore is the durable side of a Watermarks cache.
type GenerationStore interface {
	Load() (map[string]uint64, error)
	Save(vaultID string, gen uint64) error
}

// Watermarks is a GenerationCache held in memory and, when a store is
// attached, written through to it. A mark only moves after the store has
// accepted it.
type Watermarks struct {
	mu    sync.Mutex
	marks map[string]uint64
	store GenerationStore
}

var _ GenerationCache = (*Watermarks)(nil)

// NewWatermarks loads existing marks from store. A nil store keeps marks
// in memory only.
func NewWatermarks(store GenerationStore) (*Watermarks, error) {
	w := &Watermarks{marks: make(map[string]uint64), store: store}
	if store == nil {
		return w, nil
	}
	marks, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading generation marks: %w", err)
	}
	for id, gen := range marks {
		w.marks[id] = gen
	}
	return w, nil
}

// NewMemoryGenerationCache returns a cache that forgets everything on exit.
func NewMemoryGenerationCache() *Watermarks {
	w, _ := NewWatermarks(nil)
	return w
}

func (w *Watermarks) Seen(vaultID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[vaultID]
}

func (w *Watermarks) Observe(vaultID string, gen uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch cur := w.marks[vaultID]; {
	case gen < cur:
		return fmt.Errorf("%w: have %d, got %d", ErrRollbackDetected, cur, gen)
	case gen == cur:
		return nil
	}
	if w.store != nil {
		if err := w.store.Save(vaultID, gen); err != nil {
			return fmt.Errorf("persisting generation %d: %w", gen, err)
		}
	}
	w.marks[vaultID] = gen
	return nil
}

var generationBucket = []byte("generations")

// boltGenerations stores marks as big-endian uint64 values, one key per
// vault.
type boltGenerations struct {
	db *bbolt.DB
}

func (s boltGenerations) Load() (map[string]uint64, error) {
	marks := make(map[string]uint64)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(generationBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("generation mark for %q is %d bytes", k, len(v))
			}
			marks[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return marks, err
}

func (s boltGenerations) Save(vaultID string, gen uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(generationBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(vaultID), binary.BigEndian.AppendUint64(nil, gen))
	})
}

// BoltGenerationCache is Watermarks persisted in its own bbolt file, kept
// apart from the record cache so dropping cached records never resets
// rollback detection.
type BoltGenerationCache struct {
	*Watermarks
	db *bbolt.DB
}

// NewBoltGenerationCacheFromFile opens or creates the file at path.
func NewBoltGenerationCacheFromFile(path string, options *bbolt.Options) (*BoltGenerationCache, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	w, err := NewWatermarks(boltGenerations{db: db})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltGenerationCache{Watermarks: w, db: db}, nil
}

func (c *BoltGenerationCache) Close() error {
	return c.db.Close()
}
