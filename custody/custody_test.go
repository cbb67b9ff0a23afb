package custody

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

const (
	testVaultID = "vault-1"
	ownerPw     = "correct-horse-1"
	nomineePw   = "nominee-secret-7"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

type fixture struct {
	repo    *memory.Repository
	clock   *clock
	service *Service
	vault   *vault.Vault
	session *vault.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: memory.NewRepository(), clock: newClock()}
	svc, err := NewService(f.repo, testKey(), WithClock(f.clock.Now))
	require.NoError(t, err)
	f.service = svc

	params, err := crypto.KDFProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	f.vault = vault.New(testVaultID, f.repo, vault.WithKDFParams(params), vault.WithCustodian(svc))
	s, artifact, err := f.vault.Create(t.Context(), ownerPw)
	require.NoError(t, err)
	artifact.Destroy()
	t.Cleanup(s.Lock)
	f.session = s
	return f
}

func (f *fixture) nominee(t *testing.T, triggerDays int) *vault.Nominee {
	t.Helper()
	n, err := f.session.CreateNominee(t.Context(), "alice@example.com", nomineePw, triggerDays)
	require.NoError(t, err)
	return n
}

func TestNewService_RejectsShortKey(t *testing.T) {
	_, err := NewService(memory.NewRepository(), []byte("short"))
	require.ErrorIs(t, err, ErrInvalidServiceKey)
}

func TestDepositAndRevoke(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Held(t.Context(), testVaultID)
	require.ErrorIs(t, err, ErrNoShare)

	set, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)

	held, err := f.service.Held(t.Context(), testVaultID)
	require.NoError(t, err)
	assert.Equal(t, set.ID, held.ShareSetID)
	assert.Equal(t, set.XB, held.X)

	env, err := f.repo.Get(testVaultID, RecordTypeShare, shareRecordID)
	require.NoError(t, err)
	assert.NotEqual(t, storage.SchemeNone, env.Scheme)

	require.NoError(t, f.service.Revoke(t.Context(), testVaultID, "some-other-set"))
	_, err = f.service.Held(t.Context(), testVaultID)
	require.NoError(t, err)

	require.NoError(t, f.service.Revoke(t.Context(), testVaultID, set.ID))
	_, err = f.service.Held(t.Context(), testVaultID)
	require.ErrorIs(t, err, ErrNoShare)
}

func TestDeposit_Rejects(t *testing.T) {
	svc, err := NewService(memory.NewRepository(), testKey())
	require.NoError(t, err)

	require.Error(t, svc.Deposit(t.Context(), "", "set", threshold.Share{1, 2}))
	require.ErrorIs(t, svc.Deposit(t.Context(), testVaultID, "set", threshold.Share{1}), threshold.ErrMalformedShare)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, svc.Deposit(ctx, testVaultID, "set", threshold.Share{1, 2}), context.Canceled)
}

func TestReleaseAfterTriggerDelay(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)
	n := f.nominee(t, 30)

	req, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, f.clock.Now().Add(30*day), req.ReleaseAt)

	again, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)

	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, ErrNotReleasable)

	f.clock.Advance(30 * day)
	b, released, err := f.service.Release(t.Context(), testVaultID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)

	c, err := f.vault.ReadNominee(t.Context(), n.ID, nomineePw)
	require.NoError(t, err)
	rs, err := f.vault.RecoverWithShares(t.Context(), b, c)
	require.NoError(t, err)
	defer rs.Lock()
	assert.Equal(t, vault.StateForcedReset, rs.State())

	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, ErrRequestClosed)
}

func TestRelease_BackoffOnPrematureAttempts(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)
	n := f.nominee(t, 7)

	req, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)

	for range releasePolicy.Threshold {
		_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
		require.ErrorIs(t, err, ErrNotReleasable)
	}
	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	var be *BackoffError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, releasePolicy.Base, be.RetryAfter)
	assert.ErrorIs(t, err, ErrNotReleasable)

	f.clock.Advance(7 * day)
	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)
	n := f.nominee(t, 1)

	req, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(t.Context(), testVaultID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.service.Cancel(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, ErrRequestClosed)

	f.clock.Advance(2 * day)
	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, ErrRequestClosed)

	_, err = f.service.Cancel(t.Context(), testVaultID, "missing")
	require.ErrorIs(t, err, ErrRequestNotFound)

	next, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, next.ID)

	all, err := f.service.Requests(t.Context(), testVaultID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, req.ID, all[0].ID)
}

func TestRegenerateSupersedesRequests(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)
	n := f.nominee(t, 1)

	req, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)

	_, err = f.session.RegenerateShares(t.Context())
	require.NoError(t, err)

	got, err := f.service.Request(t.Context(), testVaultID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, got.Status)

	f.clock.Advance(2 * day)
	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, ErrRequestClosed)

	_, err = f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.ErrorIs(t, err, vault.ErrNomineeInactive)
}

func TestRequestRelease_UnknownNominee(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)

	_, err = f.service.RequestRelease(t.Context(), testVaultID, "nobody")
	require.ErrorIs(t, err, vault.ErrNomineeNotFound)
}

func TestRelease_TamperedShare(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.RegenerateShares(t.Context())
	require.NoError(t, err)
	n := f.nominee(t, 1)
	req, err := f.service.RequestRelease(t.Context(), testVaultID, n.ID)
	require.NoError(t, err)

	env, err := f.repo.Get(testVaultID, RecordTypeShare, shareRecordID)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xff
	require.NoError(t, f.repo.Put(testVaultID, RecordTypeShare, shareRecordID, env))

	f.clock.Advance(2 * day)
	_, _, err = f.service.Release(t.Context(), testVaultID, req.ID)
	require.ErrorIs(t, err, vault.ErrIntegrityFailure)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, CodeBackoff, ErrorCode(&BackoffError{RetryAfter: time.Minute}))
	assert.Equal(t, CodeRequestClosed, ErrorCode(ErrRequestClosed))
	assert.Equal(t, CodeNomineeInactive, ErrorCode(vault.ErrNomineeInactive))
	assert.Equal(t, CodeInternal, ErrorCode(context.DeadlineExceeded))
	assert.ErrorIs(t, CodeError(CodeShareSetMismatch), ErrShareSetMismatch)
	assert.ErrorIs(t, CodeError(CodeInvalid), ErrInvalidRequest)
	assert.Nil(t, CodeError(CodeInternal))
}
