// Package memory keeps records in process memory. It backs tests, the demo
// and single-process servers that accept losing state on exit.
package memory

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jmcleod/ironkeep/storage"
)

type key struct{ typ, id string }

// shelf holds one vault's records. A vault with no records does not exist.
type shelf map[key]*storage.Envelope

func (s shelf) get(vaultID string, k key) (*storage.Envelope, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%s: %w", vaultID, storage.ErrVaultNotFound)
	}
	env, ok := s[k]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", k.typ, k.id, storage.ErrNotFound)
	}
	return env, nil
}

func (s shelf) putCAS(k key, expected uint64, env *storage.Envelope) error {
	cur, ok := s[k]
	var have uint64
	if ok {
		have = cur.Version
	}
	if err := storage.CheckVersion(ok, have, expected); err != nil {
		return err
	}
	s[k] = env.Clone()
	return nil
}

func (s shelf) delete(vaultID string, k key) error {
	if _, err := s.get(vaultID, k); err != nil {
		return err
	}
	delete(s, k)
	return nil
}

// Repository is a storage.Repository safe for concurrent use.
type Repository struct {
	mu     sync.RWMutex
	vaults map[string]shelf
}

var _ storage.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{vaults: make(map[string]shelf)}
}

// update runs fn against a copy of the vault's shelf and installs the copy
// only when fn succeeds. Empty vaults are dropped.
func (r *Repository) update(vaultID string, fn func(s shelf) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(r.vaults[vaultID])
	if next == nil {
		next = make(shelf)
	}
	if err := fn(next); err != nil {
		return err
	}
	if len(next) == 0 {
		delete(r.vaults, vaultID)
	} else {
		r.vaults[vaultID] = next
	}
	return nil
}

func (r *Repository) Put(vaultID, recordType, recordID string, envelope *storage.Envelope) error {
	return r.update(vaultID, func(s shelf) error {
		s[key{recordType, recordID}] = envelope.Clone()
		return nil
	})
}

func (r *Repository) PutCAS(vaultID, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return r.update(vaultID, func(s shelf) error {
		return s.putCAS(key{recordType, recordID}, expectedVersion, envelope)
	})
}

func (r *Repository) Delete(vaultID, recordType, recordID string) error {
	return r.update(vaultID, func(s shelf) error {
		return s.delete(vaultID, key{recordType, recordID})
	})
}

// Batch applies every write in fn or none of them.
func (r *Repository) Batch(vaultID string, fn func(tx storage.BatchTx) error) error {
	return r.update(vaultID, func(s shelf) error {
		return fn(batchTx{vaultID: vaultID, s: s})
	})
}

func (r *Repository) Get(vaultID, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, err := r.vaults[vaultID].get(vaultID, key{recordType, recordID})
	if err != nil {
		return nil, err
	}
	return env.Clone(), nil
}

// List returns the record IDs of one type in lexical order.
func (r *Repository) List(vaultID, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for k := range r.vaults[vaultID] {
		if k.typ == recordType {
			ids = append(ids, k.id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ListVaults returns every vault ID holding at least one record.
func (r *Repository) ListVaults() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.vaults)), nil
}

type batchTx struct {
	vaultID string
	s       shelf
}

func (tx batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.s[key{recordType, recordID}] = envelope.Clone()
	return nil
}

func (tx batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.s.putCAS(key{recordType, recordID}, expectedVersion, envelope)
}

func (tx batchTx) Delete(recordType, recordID string) error {
	return tx.s.delete(tx.vaultID, key{recordType, recordID})
}
