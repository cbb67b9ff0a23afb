package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/atomic"
)

// Session holds an unwrapped vault key. Callers must call Lock when done
// (e.g. defer session.Lock()) to destroy the key. A session also locks
// itself after the vault's idle timeout or hard lifetime.
type Session struct {
	vault    *Vault
	memberID string
	owner    bool

	mu         sync.Mutex
	state      State
	key        *memguard.LockedBuffer
	generation uint64
	idleTimer  *time.Timer
	lifeTimer  *time.Timer
	locked     atomic.Bool
}

func (v *Vault) newSession(memberID string, owner bool) *Session {
	return &Session{
		vault:    v,
		memberID: memberID,
		owner:    owner,
		state:    StateLocked,
	}
}

// open moves the vault key into guarded memory, wiping vaultKey, and enters
// next.
func (s *Session) open(vaultKey []byte, generation uint64, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = memguard.NewBufferFromBytes(vaultKey)
	s.generation = generation
	s.state = next
	s.locked.Store(false)
	if d := s.vault.maxLifetime; d > 0 {
		s.lifeTimer = time.AfterFunc(d, s.expire)
	}
	if d := s.vault.idleTimeout; d > 0 {
		s.idleTimer = time.AfterFunc(d, s.expire)
	}
}

func (s *Session) expire() {
	s.vault.logger.Info("session expired", "vault_id", s.vault.id, "member_id", s.memberID)
	s.Lock()
}

// transition moves to next. Callers hold s.mu, except while the session is
// still private to the function building it.
func (s *Session) transition(next State) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.vault.logger.Debug("session state", "vault_id", s.vault.id, "from", s.state, "to", next)
	s.state = next
	return nil
}

// Lock destroys the vault key. It is safe to call more than once.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockHeld()
}

func (s *Session) lockHeld() {
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.lifeTimer != nil {
		s.lifeTimer.Stop()
	}
	s.state = StateLocked
	s.locked.Store(true)
}

// Locked reports whether the session's key has been destroyed.
func (s *Session) Locked() bool {
	return s.locked.Load()
}

// State returns the current workflow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MemberID returns the member the session was unlocked for.
func (s *Session) MemberID() string {
	return s.memberID
}

// IsOwner reports whether the session belongs to the vault owner.
func (s *Session) IsOwner() bool {
	return s.owner
}

// VaultID returns the vault's identifier.
func (s *Session) VaultID() string {
	return s.vault.id
}

// Generation returns the state generation the session last committed or read.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// checkHeld reports why the session cannot serve a vault operation.
// Callers hold s.mu.
func (s *Session) checkHeld(want State) error {
	if s.key == nil || s.state == StateLocked {
		return ErrLocked
	}
	if s.vault.blocked.Load() {
		return ErrVaultBlocked
	}
	if s.state != want {
		if s.state == StateForcedReset {
			return ErrResetRequired
		}
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.state)
	}
	return nil
}

func (s *Session) touch() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.vault.idleTimeout)
	}
}

// withKey runs fn with the vault key while the session is unlocked.
// fn must not call back into the session.
func (s *Session) withKey(fn func(vaultKey []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHeld(StateUnlocked); err != nil {
		return err
	}
	s.touch()
	return fn(s.key.Bytes())
}
