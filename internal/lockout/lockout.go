// Package lockout counts failed attempts per key and locks a key out with
// exponential backoff once a threshold is reached. The API uses it per
// client IP for bearer-token failures and the custody service per release
// request for premature release attempts.
package lockout

import (
	"sync"
	"time"
)

// Policy sets when a key locks and for how long.
type Policy struct {
	// Threshold is the failure count at which the first lockout starts.
	Threshold int
	// Base is the first lockout; each further failure doubles it up to Max.
	Base time.Duration
	Max  time.Duration
	// Expiry forgets a key this long after its last failure.
	Expiry time.Duration
}

// Delay returns the lockout in force after failures consecutive failures.
func (p Policy) Delay(failures int) time.Duration {
	if failures < p.Threshold {
		return 0
	}
	d := p.Base
	for n := failures - p.Threshold; n > 0 && d < p.Max; n-- {
		d *= 2
	}
	return min(d, p.Max)
}

type entry struct {
	failures int
	last     time.Time
	until    time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*entry
}

// New returns a Tracker. A nil now uses time.Now.
func New(p Policy, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{policy: p, now: now, keys: make(map[string]*entry)}
}

// Blocked reports the time left on key's lockout, if any.
func (t *Tracker) Blocked(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.keys[key]
	if !ok {
		return 0, false
	}
	now := t.now()
	if t.expired(e, now) {
		delete(t.keys, key)
		return 0, false
	}
	if left := e.until.Sub(now); left > 0 {
		return left, true
	}
	return 0, false
}

// Fail records a failure for key and returns the lockout it triggered,
// zero while still under the threshold.
func (t *Tracker) Fail(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e, ok := t.keys[key]
	if !ok || t.expired(e, now) {
		e = &entry{}
		t.keys[key] = e
	}
	e.failures++
	e.last = now
	d := t.policy.Delay(e.failures)
	e.until = now.Add(d)
	return d
}

// Clear forgets key, typically after a success.
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}

// Sweep drops expired keys and returns how many it removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for k, e := range t.keys {
		if t.expired(e, now) {
			delete(t.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}

func (t *Tracker) expired(e *entry, now time.Time) bool {
	return t.policy.Expiry > 0 && now.Sub(e.last) > t.policy.Expiry
}
