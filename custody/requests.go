package custody

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/threshold"
	"github.com/jmcleod/ironkeep/vault"
)

// Status is the lifecycle state of a release request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReleased   Status = "released"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded"
)

// Request is a nominee's claim on the custodial share. It matures
// TriggerDays after it was opened; until then the owner may cancel it.
type Request struct {
	ID          string    `json:"id"`
	VaultID     string    `json:"vault_id"`
	NomineeID   string    `json:"nominee_id"`
	ShareSetID  string    `json:"share_set_id"`
	TriggerDays int       `json:"trigger_days"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
	ReleaseAt   time.Time `json:"release_at"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
	Version     uint64    `json:"-"`
}

// Open reports whether the request is still pending.
func (r *Request) Open() bool {
	return r.Status == StatusPending
}

func (r *Request) envelope() (*storage.Envelope, error) {
	return storage.JSONRecord(r, r.Version)
}

func requestFrom(env *storage.Envelope) (*Request, error) {
	var r Request
	if err := env.DecodeMeta(&r); err != nil {
		return nil, fmt.Errorf("decoding release request: %w", err)
	}
	r.Version = env.Version
	return &r, nil
}

func putRequests(tx storage.BatchTx, reqs []*Request) error {
	for _, r := range reqs {
		env, err := r.envelope()
		if err != nil {
			return err
		}
		if err := tx.PutCAS(RecordTypeRequest, r.ID, r.Version-1, env); err != nil {
			return err
		}
	}
	return nil
}

// loadRequests returns every request for the vault, oldest first.
func (s *Service) loadRequests(vaultID string) ([]*Request, error) {
	ids, err := s.repo.List(vaultID, RecordTypeRequest)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		env, err := s.repo.Get(vaultID, RecordTypeRequest, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		r, err := requestFrom(env)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Request) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out, nil
}

// closeRequests moves matching pending requests to status and returns them
// with bumped versions, ready for putRequests.
func (s *Service) closeRequests(vaultID string, match func(*Request) bool, status Status) ([]*Request, error) {
	reqs, err := s.loadRequests(vaultID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var closed []*Request
	for _, r := range reqs {
		if !r.Open() || !match(r) {
			continue
		}
		r.Status = status
		r.ClosedAt = now
		r.Version++
		closed = append(closed, r)
	}
	return closed, nil
}

func (s *Service) getRequest(vaultID, requestID string) (*Request, error) {
	env, err := s.repo.Get(vaultID, RecordTypeRequest, requestID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return requestFrom(env)
}

func (s *Service) saveRequest(vaultID string, r *Request) error {
	r.Version++
	env, err := r.envelope()
	if err != nil {
		return err
	}
	return s.repo.PutCAS(vaultID, RecordTypeRequest, r.ID, r.Version-1, env)
}

// RequestRelease opens a release request for an active nominee of the
// vault. The nominee's trigger delay and share set come from its record in
// the same repository. A nominee with a pending request gets that request
// back unchanged.
func (s *Service) RequestRelease(ctx context.Context, vaultID, nomineeID string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := vault.New(vaultID, s.repo).NomineeShare(ctx, nomineeID)
	if err != nil {
		return nil, err
	}
	held, err := s.deposit(vaultID)
	if err != nil {
		return nil, err
	}
	if held.ShareSetID != ws.ShareSetID {
		return nil, ErrShareSetMismatch
	}

	reqs, err := s.loadRequests(vaultID)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if r.Open() && r.NomineeID == nomineeID && r.ShareSetID == ws.ShareSetID {
			return r, nil
		}
	}

	now := s.now().UTC()
	r := &Request{
		ID:          uuid.New(),
		VaultID:     vaultID,
		NomineeID:   nomineeID,
		ShareSetID:  ws.ShareSetID,
		TriggerDays: ws.TriggerDays,
		Status:      StatusPending,
		RequestedAt: now,
		ReleaseAt:   now.Add(time.Duration(ws.TriggerDays) * day),
	}
	if err := s.saveRequest(vaultID, r); err != nil {
		return nil, fmt.Errorf("storing release request: %w", err)
	}
	s.logger.Info("release requested", "vault_id", vaultID, "request_id", r.ID,
		"nominee_id", nomineeID, "release_at", r.ReleaseAt)
	return r, nil
}

// Cancel closes a pending request. It is the owner's veto during the
// trigger delay.
func (s *Service) Cancel(ctx context.Context, vaultID, requestID string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getRequest(vaultID, requestID)
	if err != nil {
		return nil, err
	}
	if !r.Open() {
		return nil, ErrRequestClosed
	}
	r.Status = StatusCancelled
	r.ClosedAt = s.now().UTC()
	if err := s.saveRequest(vaultID, r); err != nil {
		return nil, fmt.Errorf("cancelling release request: %w", err)
	}
	s.limiter.Clear(requestID)
	s.logger.Info("release cancelled", "vault_id", vaultID, "request_id", requestID, "nominee_id", r.NomineeID)
	return r, nil
}

// Release hands out the custodial share for a matured request. Premature
// attempts count towards an exponential lockout on the request. A request
// whose share set has been replaced is superseded rather than released.
func (s *Service) Release(ctx context.Context, vaultID, requestID string) (threshold.Share, *Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if retry, blocked := s.limiter.Blocked(requestID); blocked {
		s.logger.Warn("release attempt during lockout", "vault_id", vaultID, "request_id", requestID)
		return nil, nil, &BackoffError{RetryAfter: retry}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getRequest(vaultID, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !r.Open() {
		return nil, r, ErrRequestClosed
	}
	if s.now().Before(r.ReleaseAt) {
		s.limiter.Fail(requestID)
		s.logger.Warn("premature release attempt", "vault_id", vaultID, "request_id", requestID,
			"release_at", r.ReleaseAt)
		return nil, r, ErrNotReleasable
	}

	share, err := s.openShare(vaultID, r.ShareSetID)
	if err != nil {
		if errors.Is(err, ErrShareSetMismatch) || errors.Is(err, ErrNoShare) {
			r.Status = StatusSuperseded
			r.ClosedAt = s.now().UTC()
			if serr := s.saveRequest(vaultID, r); serr != nil {
				return nil, nil, serr
			}
			return nil, r, ErrShareSetMismatch
		}
		return nil, nil, err
	}
	r.Status = StatusReleased
	r.ClosedAt = s.now().UTC()
	if err := s.saveRequest(vaultID, r); err != nil {
		share.Wipe()
		return nil, nil, fmt.Errorf("recording release: %w", err)
	}
	s.limiter.Clear(requestID)
	s.logger.Info("custodial share released", "vault_id", vaultID, "request_id", requestID,
		"nominee_id", r.NomineeID, "share_set_id", r.ShareSetID)
	return share, r, nil
}

// Requests lists the vault's release requests, oldest first.
func (s *Service) Requests(ctx context.Context, vaultID string) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.loadRequests(vaultID)
}

// Request returns a single release request.
func (s *Service) Request(ctx context.Context, vaultID, requestID string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getRequest(vaultID, requestID)
}
