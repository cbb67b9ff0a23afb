package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/memory"
)

type failingRepo struct {
	*memory.Repository
}

func (failingRepo) PutCAS(string, string, string, uint64, *storage.Envelope) error {
	return storage.ErrUnavailable
}

func TestJournal_AppendAndList(t *testing.T) {
	a := New(memory.NewRepository(), WithLogger(slog.New(slog.DiscardHandler)))

	a.appendJournal(JournalEntry{VaultID: "v1", Event: AuditReleaseRequested, RequestID: "r1", NomineeID: "n1"})
	time.Sleep(time.Millisecond)
	a.appendJournal(JournalEntry{VaultID: "v1", Event: AuditReleaseCancelled, RequestID: "r1", NomineeID: "n1"})
	a.appendJournal(JournalEntry{VaultID: "v2", Event: AuditShareDeposited, ShareSetID: "s1"})

	entries, err := a.listJournal("v1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditReleaseCancelled, entries[0].Event, "newest first")
	assert.Equal(t, AuditReleaseRequested, entries[1].Event)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
		assert.Equal(t, "r1", e.RequestID)
	}
}

func TestJournal_SkipsUnjournaledEvents(t *testing.T) {
	a := New(memory.NewRepository(), WithLogger(slog.New(slog.DiscardHandler)))

	a.appendJournal(JournalEntry{VaultID: "v1", Event: AuditAuthFailure})
	a.appendJournal(JournalEntry{VaultID: "v1", Event: AuditReleaseLockedOut})

	entries, err := a.listJournal("v1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestJournal_WriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	a := New(failingRepo{memory.NewRepository()}, WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	a.appendJournal(JournalEntry{VaultID: "v1", Event: AuditShareRevoked, ShareSetID: "s1"})
	assert.Contains(t, buf.String(), "custody journal write failed")
}

func TestJournal_RecordsClientIP(t *testing.T) {
	a := New(memory.NewRepository(), WithLogger(slog.New(slog.DiscardHandler)))

	r := httptest.NewRequest("POST", "/vaults/v1/custody/requests/r1/cancel", nil)
	r.RemoteAddr = "203.0.113.9:4711"
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("vaultID", "v1")
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	a.journal(AuditReleaseCancelled, r, JournalEntry{RequestID: "r1"})

	entries, err := a.listJournal("v1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "203.0.113.9", entries[0].RemoteAddr)
	assert.Equal(t, "v1", entries[0].VaultID)
	assert.Equal(t, AuditReleaseCancelled, entries[0].Event)
}
