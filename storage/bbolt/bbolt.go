// Package bbolt is the file-backed Repository clients use as their local
// key-material cache. Each vault is a top-level bucket holding one nested
// bucket per record type, so listing a type is a single bucket scan.
package bbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironkeep/storage"
)

// Store implements storage.Repository on a bbolt file.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an open database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens or creates the cache at path. A nil options
// waits up to a second for another process to release the file lock.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return NewRepository(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// bucket is one record type inside one vault.
type bucket struct {
	b          *bbolt.Bucket
	recordType string
}

func (s *Store) view(vaultID, recordType string, fn func(bucket) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		vb := tx.Bucket([]byte(vaultID))
		if vb == nil {
			return fmt.Errorf("%s: %w", vaultID, storage.ErrVaultNotFound)
		}
		tb := vb.Bucket([]byte(recordType))
		if tb == nil {
			return fmt.Errorf("%s/%s: %w", vaultID, recordType, storage.ErrNotFound)
		}
		return fn(bucket{b: tb, recordType: recordType})
	})
}

// typeBucket returns the record-type bucket, creating it when create is
// set. Without create a missing bucket is reported as missing vault or
// missing record.
func typeBucket(vb *bbolt.Bucket, recordType string, create bool) (bucket, error) {
	if create {
		tb, err := vb.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return bucket{}, fmt.Errorf("creating bucket %s: %w", recordType, err)
		}
		return bucket{b: tb, recordType: recordType}, nil
	}
	tb := vb.Bucket([]byte(recordType))
	if tb == nil {
		return bucket{}, fmt.Errorf("%s: %w", recordType, storage.ErrNotFound)
	}
	return bucket{b: tb, recordType: recordType}, nil
}

func (b bucket) get(id string) (*storage.Envelope, error) {
	raw := b.b.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%s/%s: %w", b.recordType, id, storage.ErrNotFound)
	}
	env := new(storage.Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", b.recordType, id, err)
	}
	return env, nil
}

func (b bucket) put(id string, env *storage.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", b.recordType, id, err)
	}
	return b.b.Put([]byte(id), raw)
}

func (b bucket) putCAS(id string, expected uint64, env *storage.Envelope) error {
	cur, err := b.get(id)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	var have uint64
	if cur != nil {
		have = cur.Version
	}
	if err := storage.CheckVersion(cur != nil, have, expected); err != nil {
		return err
	}
	return b.put(id, env)
}

func (b bucket) delete(id string) error {
	if b.b.Get([]byte(id)) == nil {
		return fmt.Errorf("%s/%s: %w", b.recordType, id, storage.ErrNotFound)
	}
	return b.b.Delete([]byte(id))
}

func (s *Store) Get(vaultID, recordType, recordID string) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := s.view(vaultID, recordType, func(b bucket) error {
		var err error
		env, err = b.get(recordID)
		return err
	})
	return env, err
}

// List returns the record IDs of a type in key order.
func (s *Store) List(vaultID, recordType string) ([]string, error) {
	var ids []string
	err := s.view(vaultID, recordType, func(b bucket) error {
		return b.b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return ids, err
}

func (s *Store) Put(vaultID, recordType, recordID string, envelope *storage.Envelope) error {
	return s.Batch(vaultID, func(tx storage.BatchTx) error {
		return tx.Put(recordType, recordID, envelope)
	})
}

func (s *Store) PutCAS(vaultID, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(vaultID, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, envelope)
	})
}

func (s *Store) Delete(vaultID, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		vb := tx.Bucket([]byte(vaultID))
		if vb == nil {
			return fmt.Errorf("%s: %w", vaultID, storage.ErrVaultNotFound)
		}
		b, err := typeBucket(vb, recordType, false)
		if err != nil {
			return err
		}
		return b.delete(recordID)
	})
}

// Batch applies fn in one read-write transaction; any error rolls back
// every write fn made.
func (s *Store) Batch(vaultID string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		vb, err := tx.CreateBucketIfNotExists([]byte(vaultID))
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", vaultID, err)
		}
		return fn(batchTx{vault: vb})
	})
}

// DropVault discards every cached record of a vault.
func (s *Store) DropVault(vaultID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(vaultID)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

type batchTx struct {
	vault *bbolt.Bucket
}

func (tx batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	b, err := typeBucket(tx.vault, recordType, true)
	if err != nil {
		return err
	}
	return b.put(recordID, envelope)
}

func (tx batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	b, err := typeBucket(tx.vault, recordType, true)
	if err != nil {
		return err
	}
	return b.putCAS(recordID, expectedVersion, envelope)
}

func (tx batchTx) Delete(recordType, recordID string) error {
	b, err := typeBucket(tx.vault, recordType, false)
	if err != nil {
		return err
	}
	return b.delete(recordID)
}
