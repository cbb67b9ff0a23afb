package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/vault"
)

// Event names posted by the webhook.
const (
	EventRecoveryArtifact = "recovery_artifact"
	EventNomineeShare     = "nominee_share"
	EventMemberRotated    = "member_rotated"
	// EventAuditPrefix prefixes forwarded API audit events.
	EventAuditPrefix = "audit."
)

const (
	webhookQueueSize = 256
	userAgentVersion = "1"
)

var (
	// ErrInsecureChannel is returned when a recovery artifact would be sent
	// to a non-HTTPS endpoint.
	ErrInsecureChannel = errors.New("recovery artifacts require an https webhook")
	// ErrQueueFull is returned when the delivery queue is saturated.
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notifier closed")
)

// Message is the JSON payload POSTed to the relay.
type Message struct {
	Event     string              `json:"event"`
	VaultID   string              `json:"vault_id,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	Timestamp string              `json:"timestamp"`
	Artifact  *ArtifactPayload    `json:"artifact,omitempty"`
	Share     *vault.WrappedShare `json:"share,omitempty"`
	Rotation  *vault.Rotation     `json:"rotation,omitempty"`
	Audit     *AuditPayload       `json:"audit,omitempty"`
}

// AuditPayload carries a server audit event to a SIEM collector.
type AuditPayload struct {
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// ArtifactPayload carries a recovery artifact to the owner.
type ArtifactPayload struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Value   string `json:"value"`
}

// Webhook posts deliveries to an outbound relay (mail, SMS, ticketing) that
// owns message content. Deliveries are queued without blocking and sent by a
// background goroutine with one retry on 5xx.
type Webhook struct {
	url           string
	authHeader    string
	client        *http.Client
	logger        *slog.Logger
	allowInsecure bool
	attempts      int
	retryDelay    time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	wg     sync.WaitGroup
}

var _ vault.Notifier = (*Webhook)(nil)

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithAuthHeader sets a header in "Name: Value" form sent with every post.
func WithAuthHeader(h string) WebhookOption {
	return func(w *Webhook) { w.authHeader = h }
}

// WithWebhookClient replaces the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetry sets how many times a message is posted before it is dropped
// and the pause between tries. Only network errors and 5xx are retried.
func WithRetry(attempts int, delay time.Duration) WebhookOption {
	return func(w *Webhook) {
		if attempts > 0 {
			w.attempts = attempts
		}
		w.retryDelay = delay
	}
}

// AllowInsecure permits recovery artifacts over plain HTTP. Only for local
// relays on a trusted host.
func AllowInsecure() WebhookOption {
	return func(w *Webhook) { w.allowInsecure = true }
}

// NewWebhook starts a webhook dispatcher for target.
func NewWebhook(target string, opts ...WebhookOption) (*Webhook, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New("webhook URL must be an absolute http(s) URL")
	}
	w := &Webhook{
		url:        target,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		attempts:   2,
		retryDelay: time.Second,
		now:        time.Now,
		queue:      make(chan Message, webhookQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "notify", "channel", "webhook")
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Webhook) secure() bool {
	return w.allowInsecure || strings.HasPrefix(w.url, "https://")
}

func (w *Webhook) RecoveryArtifact(_ context.Context, vaultID, ownerID string, artifact crypto.RecoveryArtifact) error {
	if !w.secure() {
		w.logger.Error("refusing to send recovery artifact over plain http", "vault_id", vaultID)
		return ErrInsecureChannel
	}
	return w.enqueue(Message{
		Event:     EventRecoveryArtifact,
		VaultID:   vaultID,
		Recipient: ownerID,
		Artifact:  &ArtifactPayload{ID: artifact.ID(), Version: artifact.Version(), Value: artifact.String()},
	})
}

func (w *Webhook) NomineeShare(_ context.Context, identity string, share *vault.WrappedShare) error {
	return w.enqueue(Message{
		Event:     EventNomineeShare,
		VaultID:   share.VaultID,
		Recipient: identity,
		Share:     share,
	})
}

func (w *Webhook) MemberRotated(_ context.Context, vaultID string, rotation vault.Rotation) error {
	return w.enqueue(Message{
		Event:    EventMemberRotated,
		VaultID:  vaultID,
		Rotation: &rotation,
	})
}

// Audit forwards an API audit event. Audit events never carry secrets, so
// plain HTTP collectors are accepted.
func (w *Webhook) Audit(_ context.Context, event, vaultID, remoteAddr string, attrs map[string]string) error {
	return w.enqueue(Message{
		Event:   EventAuditPrefix + event,
		VaultID: vaultID,
		Audit:   &AuditPayload{RemoteAddr: remoteAddr, Attrs: attrs},
	})
}

// enqueue never blocks; a full queue drops the message and reports it.
func (w *Webhook) enqueue(msg Message) error {
	msg.Timestamp = w.now().UTC().Format(time.RFC3339)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- msg:
		return nil
	default:
		w.logger.Warn("queue full, dropping message", "event", msg.Event, "vault_id", msg.VaultID)
		return ErrQueueFull
	}
}

// Close stops accepting messages and drains the queue.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for msg := range w.queue {
		w.send(msg)
	}
}

func (w *Webhook) send(msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		w.logger.Warn("marshal failed", "event", msg.Event, "error", err)
		return
	}
	defer clear(body)

	log := w.logger.With("event", msg.Event, "vault_id", msg.VaultID)
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		retry, err := w.post(body)
		if err == nil {
			log.Debug("delivered", "attempt", attempt)
			return
		}
		log.Warn("delivery attempt failed", "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
	log.Error("delivery abandoned", "attempts", w.attempts)
}

// post sends one copy of body. retry reports whether a later attempt
// could succeed.
func (w *Webhook) post(body []byte) (retry bool, err error) {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ironkeep-notify/"+userAgentVersion)
	if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode < 300 && resp.StatusCode >= 200:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("relay answered %s", resp.Status)
	default:
		return false, fmt.Errorf("relay rejected message: %s", resp.Status)
	}
}
