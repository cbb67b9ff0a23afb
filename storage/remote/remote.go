// Package remote implements storage.Repository over the ironkeep HTTP API.
// Transport failures and server errors surface as storage.ErrUnavailable so
// a keysync store can serve reads from its local cache.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironkeep/storage"
)

var (
	// ErrUnauthorized is returned when the server rejects the bearer token.
	ErrUnauthorized = errors.New("remote repository: unauthorized")
	// ErrInvalidBatch is returned by Apply for a malformed batch.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Wire error codes shared with the server.
const (
	CodeNotFound      = "not_found"
	CodeVaultNotFound = "vault_not_found"
	CodeConflict      = "conflict"
)

// PutBody is the JSON body of a record PUT. A nil ExpectedVersion is an
// unconditional put; otherwise the server performs a compare-and-swap.
type PutBody struct {
	Envelope        *storage.Envelope `json:"envelope"`
	ExpectedVersion *uint64           `json:"expected_version,omitempty"`
}

// Batch operation kinds.
const (
	OpPut    = "put"
	OpPutCAS = "put_cas"
	OpDelete = "delete"
)

// BatchOp is one write inside an atomic batch.
type BatchOp struct {
	Op              string            `json:"op"`
	Type            string            `json:"type"`
	ID              string            `json:"id"`
	ExpectedVersion uint64            `json:"expected_version,omitempty"`
	Envelope        *storage.Envelope `json:"envelope,omitempty"`
}

// BatchBody is the JSON body of a batch POST.
type BatchBody struct {
	Ops []BatchOp `json:"ops"`
}

// ListResponse is returned when listing record IDs.
type ListResponse struct {
	IDs []string `json:"ids"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Repository is a storage.Repository backed by a remote ironkeep server.
type Repository struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ storage.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(r *Repository) { r.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Repository) {
		if c != nil {
			r.http = c
		}
	}
}

// WithTimeout bounds each call. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a repository talking to the server at baseURL.
func New(baseURL string, opts ...Option) *Repository {
	r := &Repository{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "storage", "backend", "remote")
	return r
}

func (r *Repository) vaultURL(vaultID string, parts ...string) string {
	u := r.baseURL + "/api/v1/vaults/" + url.PathEscape(vaultID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (r *Repository) do(method, target string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("request failed", "method", method, "error", err)
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return r.decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (r *Repository) decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	switch {
	case body.Code == CodeVaultNotFound:
		return fmt.Errorf("%s: %w", body.Error, storage.ErrVaultNotFound)
	case body.Code == CodeNotFound || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", body.Error, storage.ErrNotFound)
	case body.Code == CodeConflict || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", body.Error, storage.ErrCASFailed)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		r.logger.Warn("server error", "status", resp.StatusCode, "error", body.Error)
		return fmt.Errorf("%w: %s", storage.ErrUnavailable, body.Error)
	default:
		return fmt.Errorf("remote repository: %s (%d)", body.Error, resp.StatusCode)
	}
}

func (r *Repository) Put(vaultID, recordType, recordID string, envelope *storage.Envelope) error {
	return r.do(http.MethodPut, r.vaultURL(vaultID, "records", recordType, recordID), PutBody{Envelope: envelope}, nil)
}

func (r *Repository) Get(vaultID, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	if err := r.do(http.MethodGet, r.vaultURL(vaultID, "records", recordType, recordID), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *Repository) List(vaultID, recordType string) ([]string, error) {
	var out ListResponse
	if err := r.do(http.MethodGet, r.vaultURL(vaultID, "records", recordType), nil, &out); err != nil {
		if errors.Is(err, storage.ErrVaultNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out.IDs, nil
}

func (r *Repository) Delete(vaultID, recordType, recordID string) error {
	return r.do(http.MethodDelete, r.vaultURL(vaultID, "records", recordType, recordID), nil, nil)
}

func (r *Repository) PutCAS(vaultID, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return r.do(http.MethodPut, r.vaultURL(vaultID, "records", recordType, recordID),
		PutBody{Envelope: envelope, ExpectedVersion: &expectedVersion}, nil)
}

// Batch buffers fn's writes and sends them as one atomic request. An error
// from fn discards the buffer without contacting the server.
func (r *Repository) Batch(vaultID string, fn func(tx storage.BatchTx) error) error {
	tx := &batchTx{}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}
	return r.do(http.MethodPost, r.vaultURL(vaultID, "batch"), BatchBody{Ops: tx.ops}, nil)
}

type batchTx struct {
	ops []BatchOp
}

func (tx *batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.ops = append(tx.ops, BatchOp{Op: OpPut, Type: recordType, ID: recordID, Envelope: envelope.Clone()})
	return nil
}

func (tx *batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx.ops = append(tx.ops, BatchOp{Op: OpPutCAS, Type: recordType, ID: recordID, ExpectedVersion: expectedVersion, Envelope: envelope.Clone()})
	return nil
}

func (tx *batchTx) Delete(recordType, recordID string) error {
	tx.ops = append(tx.ops, BatchOp{Op: OpDelete, Type: recordType, ID: recordID})
	return nil
}

// Apply replays a decoded batch against repo inside one transaction. The
// server uses it so both sides agree on op semantics.
func Apply(repo storage.Repository, vaultID string, ops []BatchOp) error {
	for _, op := range ops {
		if op.Type == "" || op.ID == "" {
			return fmt.Errorf("%w: op missing type or id", ErrInvalidBatch)
		}
		if op.Op != OpDelete && op.Envelope == nil {
			return fmt.Errorf("%w: %s %s/%s missing envelope", ErrInvalidBatch, op.Op, op.Type, op.ID)
		}
	}
	for _, op := range ops {
		if op.Op != OpPut && op.Op != OpPutCAS && op.Op != OpDelete {
			return fmt.Errorf("%w: unknown op %q", ErrInvalidBatch, op.Op)
		}
	}
	return repo.Batch(vaultID, func(tx storage.BatchTx) error {
		for _, op := range ops {
			var err error
			switch op.Op {
			case OpPut:
				err = tx.Put(op.Type, op.ID, op.Envelope)
			case OpPutCAS:
				err = tx.PutCAS(op.Type, op.ID, op.ExpectedVersion, op.Envelope)
			case OpDelete:
				err = tx.Delete(op.Type, op.ID)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
