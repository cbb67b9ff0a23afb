package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/api"
	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/storage/remote"
	"github.com/jmcleod/ironkeep/storage/storagetest"
	"github.com/jmcleod/ironkeep/vault"
)

const testToken = "s3cr3t-token"

type clock struct {
	mu  sync.Mutex
	now time.Time
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

type server struct {
	*httptest.Server
	repo  *memory.Repository
	clock *clock
}

func setupServer(t *testing.T, opts ...api.Option) *server {
	t.Helper()
	s := &server{
		repo:  memory.NewRepository(),
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	svc, err := custody.NewService(s.repo, bytes.Repeat([]byte{7}, 32), custody.WithClock(s.clock.Now))
	require.NoError(t, err)

	opts = append([]api.Option{api.WithToken(testToken), api.WithCustody(svc)}, opts...)
	a := api.New(s.repo, opts...)
	t.Cleanup(a.Shutdown)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestRemoteRepositoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		srv := setupServer(t)
		return remote.New(srv.URL, remote.WithToken(testToken))
	})
}

func TestHealthz(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Custody)
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/records/WRAP", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
}

func TestBearerAuth(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/vaults/v1/records/WRAP"

	resp := doJSON(t, http.MethodGet, url, "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, custody.CodeUnauthorized, decodeError(t, resp).Code)

	resp = doJSON(t, http.MethodGet, url, testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	repo := remote.New(srv.URL, remote.WithToken("wrong"))
	_, err := repo.List("v1", "WRAP")
	require.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestBearerAuth_LocksOutRepeatedFailures(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/vaults/v1/records/WRAP"

	var last *http.Response
	for range 20 {
		last = doJSON(t, http.MethodGet, url, "wrong", nil)
		if last.StatusCode == http.StatusTooManyRequests {
			break
		}
		require.Equal(t, http.StatusUnauthorized, last.StatusCode)
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
	assert.Equal(t, custody.CodeBackoff, decodeError(t, last).Code)

	resp := doJSON(t, http.MethodGet, url, testToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "lockout applies to the client, not the token")
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	repo := memory.NewRepository()
	a := api.New(repo)
	t.Cleanup(a.Shutdown)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/records/WRAP", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/custody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "custody endpoints need a custody service")
}

func TestReservedRecordTypes(t *testing.T) {
	srv := setupServer(t)
	repo := remote.New(srv.URL, remote.WithToken(testToken))
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeNone, Meta: []byte(`{"status":"released"}`), Version: 1}

	for _, typ := range []string{custody.RecordTypeShare, custody.RecordTypeRequest, "CUSTODY_AUDIT"} {
		err := repo.Put("v1", typ, "forged", env)
		require.ErrorIs(t, err, remote.ErrUnauthorized, typ)

		_, err = repo.Get("v1", typ, "share")
		require.ErrorIs(t, err, remote.ErrUnauthorized, typ)
	}

	err := repo.Batch("v1", func(tx storage.BatchTx) error {
		if err := tx.Put("WRAP", "password", env); err != nil {
			return err
		}
		return tx.Put(custody.RecordTypeRequest, "forged", env)
	})
	require.ErrorIs(t, err, remote.ErrUnauthorized)

	_, err = srv.repo.Get("v1", "WRAP", "password")
	assert.True(t, storage.IsNotFound(err), "rejected batch must not apply any op")
}

func TestBatch_Invalid(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/vaults/v1/batch"

	resp := doJSON(t, http.MethodPost, url, testToken, remote.BatchBody{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, testToken, remote.BatchBody{Ops: []remote.BatchOp{
		{Op: "upsert", Type: "WRAP", ID: "password", Envelope: &storage.Envelope{Ver: 1, Scheme: storage.SchemeNone}},
	}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, testToken, remote.BatchBody{Ops: []remote.BatchOp{
		{Op: remote.OpPut, Type: "WRAP", ID: "password"},
	}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, testToken, map[string]any{"ops": []any{}, "extra": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestInvalidPathParameters(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/records/WR%20AP", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v%21/records/WRAP", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/vaults/v1/custody/requests/..%2F..%2Fshare/release", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, custody.CodeInvalid, decodeError(t, resp).Code)
}

func TestRemoteRepository_Unavailable(t *testing.T) {
	srv := setupServer(t)
	repo := remote.New(srv.URL, remote.WithToken(testToken), remote.WithTimeout(time.Second))
	srv.Close()

	_, err := repo.Get("v1", "WRAP", "password")
	require.ErrorIs(t, err, storage.ErrUnavailable)
	err = repo.Put("v1", "WRAP", "password", &storage.Envelope{Ver: 1, Scheme: storage.SchemeNone})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

// TestCustodyOverHTTP runs the whole emergency-access path against a
// remote server: the owner deposits Share B, a nominee waits out the
// trigger delay and combines the released share with their own.
func TestCustodyOverHTTP(t *testing.T) {
	srv := setupServer(t)
	repo := remote.New(srv.URL, remote.WithToken(testToken))
	client := custody.NewClient(srv.URL, custody.WithToken(testToken))

	params, err := crypto.KDFProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	v := vault.New("vault-http", repo, vault.WithKDFParams(params), vault.WithCustodian(client))
	s, artifact, err := v.Create(t.Context(), "correct-horse-1")
	require.NoError(t, err)
	artifact.Destroy()
	defer s.Lock()

	set, err := s.RegenerateShares(t.Context())
	require.NoError(t, err)
	held, err := client.Held(t.Context(), "vault-http")
	require.NoError(t, err)
	assert.Equal(t, set.ID, held.ShareSetID)

	n, err := s.CreateNominee(t.Context(), "alice@example.com", "nominee-secret-7", 2)
	require.NoError(t, err)

	_, err = client.RequestRelease(t.Context(), "vault-http", "no-such-nominee")
	require.ErrorIs(t, err, vault.ErrNomineeNotFound)

	req, err := client.RequestRelease(t.Context(), "vault-http", n.ID)
	require.NoError(t, err)
	assert.Equal(t, custody.StatusPending, req.Status)

	_, _, err = client.Release(t.Context(), "vault-http", req.ID)
	require.ErrorIs(t, err, custody.ErrNotReleasable)

	srv.clock.Advance(48 * time.Hour)
	b, released, err := client.Release(t.Context(), "vault-http", req.ID)
	require.NoError(t, err)
	assert.Equal(t, custody.StatusReleased, released.Status)
	assert.Equal(t, set.XB, b.X())

	got, err := client.Request(t.Context(), "vault-http", req.ID)
	require.NoError(t, err)
	assert.Equal(t, custody.StatusReleased, got.Status)

	c, err := v.ReadNominee(t.Context(), n.ID, "nominee-secret-7")
	require.NoError(t, err)
	rs, err := v.RecoverWithShares(t.Context(), b, c)
	require.NoError(t, err)
	defer rs.Lock()
	assert.Equal(t, vault.StateForcedReset, rs.State())
}

func TestCustodyOverHTTP_CancelAndBackoff(t *testing.T) {
	srv := setupServer(t)
	repo := remote.New(srv.URL, remote.WithToken(testToken))
	client := custody.NewClient(srv.URL, custody.WithToken(testToken))

	params, err := crypto.KDFProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	v := vault.New("vault-veto", repo, vault.WithKDFParams(params), vault.WithCustodian(client))
	s, artifact, err := v.Create(t.Context(), "correct-horse-1")
	require.NoError(t, err)
	artifact.Destroy()
	defer s.Lock()
	_, err = s.RegenerateShares(t.Context())
	require.NoError(t, err)
	n, err := s.CreateNominee(t.Context(), "bob@example.com", "nominee-secret-7", 30)
	require.NoError(t, err)

	req, err := client.RequestRelease(t.Context(), "vault-veto", n.ID)
	require.NoError(t, err)

	var backoff *custody.BackoffError
	for range 10 {
		_, _, err = client.Release(t.Context(), "vault-veto", req.ID)
		if errors.As(err, &backoff) {
			break
		}
		require.ErrorIs(t, err, custody.ErrNotReleasable)
	}
	require.NotNil(t, backoff, "premature attempts must back off")
	assert.Positive(t, backoff.RetryAfter)

	cancelled, err := client.Cancel(t.Context(), "vault-veto", req.ID)
	require.NoError(t, err)
	assert.Equal(t, custody.StatusCancelled, cancelled.Status)

	_, err = client.Cancel(t.Context(), "vault-veto", req.ID)
	require.ErrorIs(t, err, custody.ErrRequestClosed)

	reqs, err := client.Requests(t.Context(), "vault-veto")
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	_, err = client.Request(t.Context(), "vault-veto", uuid.New())
	require.ErrorIs(t, err, custody.ErrRequestNotFound)
	_, err = client.Request(t.Context(), "vault-veto", "missing")
	require.ErrorIs(t, err, custody.ErrInvalidRequest)
	_, err = client.Cancel(t.Context(), "vault-veto", "missing")
	require.ErrorIs(t, err, custody.ErrInvalidRequest)

	set, err := s.ShareSet(t.Context())
	require.NoError(t, err)
	require.NoError(t, client.Revoke(t.Context(), "vault-veto", set.ID))
	_, err = client.Held(t.Context(), "vault-veto")
	require.ErrorIs(t, err, custody.ErrNoShare)

	journalURL := srv.URL + "/api/v1/vaults/vault-veto/custody/audit"
	resp := doJSON(t, http.MethodGet, journalURL+"?limit=500", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page api.JournalPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	seen := map[api.AuditEvent]int{}
	for _, e := range page.Entries {
		assert.Equal(t, "vault-veto", e.VaultID)
		seen[e.Event]++
	}
	assert.Equal(t, 1, seen[api.AuditShareDeposited])
	assert.Equal(t, 1, seen[api.AuditReleaseRequested])
	assert.Positive(t, seen[api.AuditReleasePremature])
	assert.Equal(t, 1, seen[api.AuditReleaseCancelled])
	assert.Equal(t, 1, seen[api.AuditShareRevoked])
	assert.Equal(t, len(page.Entries), page.TotalCount)
	assert.False(t, page.HasMore)

	resp = doJSON(t, http.MethodGet, journalURL+"?limit=2", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = api.JournalPage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)

	resp = doJSON(t, http.MethodGet, journalURL+"?limit=0", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
