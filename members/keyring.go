package members

import "sync"

// KeyRing caches unwrapped member private keys on one device. The vault
// consults it when a member's password-wrapped private key can no longer be
// unwrapped, before falling back to a key-pair replacement.
type KeyRing interface {
	Get(memberID string) (*PrivateKey, bool)
	Put(priv *PrivateKey) error
	Forget(memberID string)
}

// MemoryKeyRing is a process-local KeyRing. Stored keys are clones, so the
// caller keeps ownership of what it passes in.
type MemoryKeyRing struct {
	mu   sync.Mutex
	keys map[string]*PrivateKey
}

var _ KeyRing = (*MemoryKeyRing)(nil)

// NewMemoryKeyRing returns an empty key ring.
func NewMemoryKeyRing() *MemoryKeyRing {
	return &MemoryKeyRing{keys: make(map[string]*PrivateKey)}
}

// Get returns a clone of the cached key, which the caller must destroy.
func (r *MemoryKeyRing) Get(memberID string) (*PrivateKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[memberID]
	if !ok {
		return nil, false
	}
	clone, err := k.Clone()
	if err != nil {
		return nil, false
	}
	return clone, true
}

func (r *MemoryKeyRing) Put(priv *PrivateKey) error {
	clone, err := priv.Clone()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.keys[clone.memberID]; ok {
		old.Destroy()
	}
	r.keys[clone.memberID] = clone
	return nil
}

func (r *MemoryKeyRing) Forget(memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[memberID]; ok {
		k.Destroy()
		delete(r.keys, memberID)
	}
}
