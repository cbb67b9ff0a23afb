package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

// Client talks to a remote custody service over its HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ vault.Custodian = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token sent with every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (c *Client) path(vaultID string, parts ...string) string {
	p := c.baseURL + "/api/v1/vaults/" + url.PathEscape(vaultID) + "/custody"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	if body.Code == CodeBackoff {
		return &BackoffError{RetryAfter: time.Duration(body.RetryAfter) * time.Second}
	}
	if sentinel := CodeError(body.Code); sentinel != nil {
		return fmt.Errorf("%s: %w", body.Error, sentinel)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", storage.ErrUnavailable, body.Error)
	}
	return errors.New(body.Error)
}

func (c *Client) Deposit(ctx context.Context, vaultID, shareSetID string, share threshold.Share) error {
	return c.do(ctx, http.MethodPost, c.path(vaultID), DepositBody{ShareSetID: shareSetID, Share: share}, nil)
}

func (c *Client) Revoke(ctx context.Context, vaultID, shareSetID string) error {
	return c.do(ctx, http.MethodDelete, c.path(vaultID, "sets", shareSetID), nil, nil)
}

// Held returns the custodial share the service holds for vaultID.
func (c *Client) Held(ctx context.Context, vaultID string) (*Deposit, error) {
	var d Deposit
	if err := c.do(ctx, http.MethodGet, c.path(vaultID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RequestRelease opens a release request on behalf of a nominee.
func (c *Client) RequestRelease(ctx context.Context, vaultID, nomineeID string) (*Request, error) {
	var r Request
	if err := c.do(ctx, http.MethodPost, c.path(vaultID, "requests"), RequestBody{NomineeID: nomineeID}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Cancel vetoes a pending request.
func (c *Client) Cancel(ctx context.Context, vaultID, requestID string) (*Request, error) {
	var r Request
	if err := c.do(ctx, http.MethodPost, c.path(vaultID, "requests", requestID, "cancel"), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Release collects the custodial share for a matured request.
func (c *Client) Release(ctx context.Context, vaultID, requestID string) (threshold.Share, *Request, error) {
	var out ReleaseResponse
	if err := c.do(ctx, http.MethodPost, c.path(vaultID, "requests", requestID, "release"), nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Share, out.Request, nil
}

// Requests lists the vault's release requests.
func (c *Client) Requests(ctx context.Context, vaultID string) ([]*Request, error) {
	var out RequestList
	if err := c.do(ctx, http.MethodGet, c.path(vaultID, "requests"), nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Request fetches one release request.
func (c *Client) Request(ctx context.Context, vaultID, requestID string) (*Request, error) {
	var r Request
	if err := c.do(ctx, http.MethodGet, c.path(vaultID, "requests", requestID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
