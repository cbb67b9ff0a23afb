package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/api"
	"github.com/jmcleod/ironkeep/notify"
)

var _ api.AuditSink = (*notify.Webhook)(nil)

type sinkEvent struct {
	event, vaultID string
	attrs          map[string]string
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) Audit(_ context.Context, event, vaultID, _ string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{event: event, vaultID: vaultID, attrs: attrs})
	return nil
}

func TestAuditSink_ReceivesAuthFailures(t *testing.T) {
	sink := &recordingSink{}
	srv := setupServer(t, api.WithAuditSink(sink))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/records/WRAP", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	assert.Equal(t, string(api.AuditAuthFailure), sink.events[0].event)
	assert.NotEmpty(t, sink.events[0].attrs["reason"])
}

func TestAuditSink_NotifyWebhook(t *testing.T) {
	got := make(chan *http.Request, 4)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	wh, err := notify.NewWebhook(collector.URL)
	require.NoError(t, err)
	srv := setupServer(t, api.WithAuditSink(wh))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vaults/v1/records/WRAP", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	wh.Close()

	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, (<-got).Method)
}
