package lockout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{Threshold: 3, Base: time.Minute, Max: 5 * time.Minute, Expiry: time.Hour}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker() (*Tracker, *fakeClock) {
	c := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(testPolicy, c.now), c
}

func TestPolicyDelay(t *testing.T) {
	want := map[int]time.Duration{
		0:  0,
		2:  0,
		3:  time.Minute,
		4:  2 * time.Minute,
		5:  4 * time.Minute,
		6:  5 * time.Minute,
		60: 5 * time.Minute,
	}
	for failures, d := range want {
		assert.Equal(t, d, testPolicy.Delay(failures), "failures=%d", failures)
	}
}

func TestTracker_LocksAtThreshold(t *testing.T) {
	tr, clock := newTracker()

	for i := 1; i < testPolicy.Threshold; i++ {
		assert.Zero(t, tr.Fail("req-1"))
		_, blocked := tr.Blocked("req-1")
		assert.False(t, blocked, "blocked after %d failures", i)
	}
	assert.Equal(t, time.Minute, tr.Fail("req-1"))

	left, blocked := tr.Blocked("req-1")
	require.True(t, blocked)
	assert.Equal(t, time.Minute, left)

	_, blocked = tr.Blocked("req-2")
	assert.False(t, blocked, "keys are independent")

	clock.advance(30 * time.Second)
	left, blocked = tr.Blocked("req-1")
	require.True(t, blocked)
	assert.Equal(t, 30*time.Second, left)

	clock.advance(31 * time.Second)
	_, blocked = tr.Blocked("req-1")
	assert.False(t, blocked)

	assert.Equal(t, 2*time.Minute, tr.Fail("req-1"), "history survives an elapsed lockout")
}

func TestTracker_ClearAndExpiry(t *testing.T) {
	tr, clock := newTracker()
	for range testPolicy.Threshold {
		tr.Fail("10.0.0.1")
		tr.Fail("10.0.0.2")
	}
	tr.Clear("10.0.0.1")
	_, blocked := tr.Blocked("10.0.0.1")
	assert.False(t, blocked)
	assert.Equal(t, 1, tr.Len())

	clock.advance(testPolicy.Expiry + time.Second)
	assert.Zero(t, tr.Fail("10.0.0.2"), "expired history restarts the count")

	tr.Fail("10.0.0.3")
	clock.advance(testPolicy.Expiry + time.Second)
	assert.Equal(t, 2, tr.Sweep())
	assert.Zero(t, tr.Len())
}

func TestTracker_Concurrent(t *testing.T) {
	tr := New(testPolicy, nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%2)
			for range 50 {
				tr.Fail(key)
				tr.Blocked(key)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, tr.Len())
	_, blocked := tr.Blocked("k0")
	assert.True(t, blocked)
}
