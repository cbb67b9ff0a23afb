package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/vault"
)

func newArtifact(t *testing.T) crypto.RecoveryArtifact {
	t.Helper()
	a, err := crypto.NewRecoveryArtifact()
	require.NoError(t, err)
	t.Cleanup(a.Destroy)
	return a
}

func TestLogNotifier_RedactsArtifact(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	a := newArtifact(t)

	require.NoError(t, n.RecoveryArtifact(t.Context(), "vault-1", "owner-1", a))
	require.NoError(t, n.NomineeShare(t.Context(), "alice@example.com", &vault.WrappedShare{
		VaultID: "vault-1", NomineeID: "n1", ShareSetID: "s1", TriggerDays: 30, Ciphertext: []byte("sealed"),
	}))
	require.NoError(t, n.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1", Reason: "reset"}))

	out := buf.String()
	assert.NotContains(t, out, a.String())
	assert.Contains(t, out, a.ID())
	assert.Contains(t, out, `"component":"notify"`)
	assert.Contains(t, out, "alice@example.com")
	assert.NotContains(t, out, "sealed")
}

type failing struct{ LogNotifier }

func (failing) RecoveryArtifact(context.Context, string, string, crypto.RecoveryArtifact) error {
	return errors.New("boom")
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	ok := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	bad := &failing{LogNotifier: *NewLogNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	m := Multi{ok, bad}

	err := m.RecoveryArtifact(t.Context(), "vault-1", "owner-1", newArtifact(t))
	require.ErrorContains(t, err, "boom")
	assert.Contains(t, buf.String(), "recovery artifact issued")

	require.NoError(t, m.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1"}))
}

type relay struct {
	mu       sync.Mutex
	messages []Message
	headers  []http.Header
}

func (r *relay) handler(status func(n int32) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		n := calls.Add(1)
		var msg Message
		_ = json.NewDecoder(req.Body).Decode(&msg)
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status(n))
	}
}

func TestWebhook_DeliversArtifactOverTLS(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewTLSServer(rl.handler(func(int32) int { return http.StatusAccepted }))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithWebhookClient(srv.Client()), WithAuthHeader("Authorization: Bearer relay-token"))
	require.NoError(t, err)
	a := newArtifact(t)
	require.NoError(t, wh.RecoveryArtifact(t.Context(), "vault-1", "owner-1", a))
	require.NoError(t, wh.NomineeShare(t.Context(), "alice@example.com", &vault.WrappedShare{VaultID: "vault-1", NomineeID: "n1"}))
	wh.Close()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Len(t, rl.messages, 2)
	assert.Equal(t, EventRecoveryArtifact, rl.messages[0].Event)
	assert.Equal(t, "owner-1", rl.messages[0].Recipient)
	require.NotNil(t, rl.messages[0].Artifact)
	assert.Equal(t, a.String(), rl.messages[0].Artifact.Value)
	assert.Equal(t, "Bearer relay-token", rl.headers[0].Get("Authorization"))
	assert.Equal(t, EventNomineeShare, rl.messages[1].Event)
	assert.Equal(t, "alice@example.com", rl.messages[1].Recipient)
}

func TestWebhook_RefusesArtifactOverHTTP(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewServer(rl.handler(func(int32) int { return http.StatusOK }))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	require.NoError(t, err)
	require.ErrorIs(t, wh.RecoveryArtifact(t.Context(), "vault-1", "owner-1", newArtifact(t)), ErrInsecureChannel)
	require.NoError(t, wh.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1"}))
	wh.Close()

	require.Len(t, rl.messages, 1)
	assert.Equal(t, EventMemberRotated, rl.messages[0].Event)

	insecure, err := NewWebhook(srv.URL, AllowInsecure())
	require.NoError(t, err)
	require.NoError(t, insecure.RecoveryArtifact(t.Context(), "vault-1", "owner-1", newArtifact(t)))
	insecure.Close()
}

func TestWebhook_RetryOn500(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewServer(rl.handler(func(n int32) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, wh.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1"}))
	wh.Close()

	assert.Len(t, rl.messages, 2)
}

func TestWebhook_GivesUpAfterAttempts(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewServer(rl.handler(func(int32) int { return http.StatusBadGateway }))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, wh.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1"}))
	wh.Close()

	assert.Len(t, rl.messages, 3)
}

func TestWebhook_ForwardsAuditOverHTTP(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewServer(rl.handler(func(int32) int { return http.StatusNoContent }))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithAuthHeader("X-Collector-Key: k1"))
	require.NoError(t, err)
	require.NoError(t, wh.Audit(t.Context(), "release_cancelled", "vault-1", "203.0.113.9", map[string]string{"request_id": "r1"}))
	wh.Close()

	require.Len(t, rl.messages, 1)
	msg := rl.messages[0]
	assert.Equal(t, EventAuditPrefix+"release_cancelled", msg.Event)
	assert.Equal(t, "vault-1", msg.VaultID)
	assert.NotEmpty(t, msg.Timestamp)
	require.NotNil(t, msg.Audit)
	assert.Equal(t, "203.0.113.9", msg.Audit.RemoteAddr)
	assert.Equal(t, "r1", msg.Audit.Attrs["request_id"])
	assert.Nil(t, msg.Artifact)
	assert.Equal(t, "k1", rl.headers[0].Get("X-Collector-Key"))
	assert.Equal(t, "application/json", rl.headers[0].Get("Content-Type"))
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	rl := &relay{}
	srv := httptest.NewServer(rl.handler(func(int32) int { return http.StatusBadRequest }))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	require.NoError(t, err)
	require.NoError(t, wh.MemberRotated(t.Context(), "vault-1", vault.Rotation{MemberID: "m1"}))
	wh.Close()

	assert.Len(t, rl.messages, 1)
}

func TestWebhook_ClosedAndInvalid(t *testing.T) {
	_, err := NewWebhook("not a url")
	require.Error(t, err)
	_, err = NewWebhook("ftp://relay.example.com")
	require.Error(t, err)

	wh, err := NewWebhook("https://relay.invalid")
	require.NoError(t, err)
	wh.Close()
	wh.Close()
	require.ErrorIs(t, wh.MemberRotated(t.Context(), "vault-1", vault.Rotation{}), ErrClosed)
}
