// Package api is the ironkeep HTTP server: wrapped-record storage for
// keysync clients and the custody endpoints for Share B.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/atomic"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/internal/lockout"
	"github.com/jmcleod/ironkeep/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo           storage.Repository
	custody        *custody.Service
	token          string
	trustedProxies []netip.Prefix
	authLockout    *lockout.Tracker
	audit          *auditLogger
	alarms         *alarms
	sink           AuditSink
	ready          atomic.Bool
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithToken requires every vault route to carry "Authorization: Bearer token".
// An empty token disables authentication, for local development only.
func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

// WithCustody enables the custody endpoints.
func WithCustody(svc *custody.Service) Option {
	return func(a *API) { a.custody = svc }
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honoured when attributing requests to a client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAlertFunc installs a callback for custody anomalies.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alarms = newAlarms(fn) }
}

// WithAuditSink forwards every audit event to sink after it is logged.
// The caller owns the sink's lifecycle.
func WithAuditSink(sink AuditSink) Option {
	return func(a *API) { a.sink = sink }
}

// New creates a new API instance.
func New(repo storage.Repository, opts ...Option) *API {
	a := &API{
		repo:        repo,
		authLockout: lockout.New(authPolicy, nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.alarms = a.alarms
	a.audit.sink = a.sink
	a.ready.Store(true)
	return a
}

// Run sweeps expired rate-limit state until ctx is done.
func (a *API) Run(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.authLockout.Sweep()
		}
	}
}

// Shutdown marks the API unready so load balancers drain it.
func (a *API) Shutdown() {
	a.ready.Store(false)
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/healthz", a.Health)

	r.Route("/vaults/{vaultID}", func(r chi.Router) {
		r.Use(a.BearerAuth)
		r.Use(validVaultID)

		r.Get("/records/{recordType}", a.ListRecords)
		r.Get("/records/{recordType}/{recordID}", a.GetRecord)
		r.Put("/records/{recordType}/{recordID}", a.PutRecord)
		r.Delete("/records/{recordType}/{recordID}", a.DeleteRecord)
		r.Post("/batch", a.Batch)

		r.Route("/custody", func(r chi.Router) {
			r.Use(a.requireCustody)
			r.Get("/", a.HeldShare)
			r.Post("/", a.DepositShare)
			r.Delete("/sets/{shareSetID}", a.RevokeShare)
			r.Get("/requests", a.ListReleaseRequests)
			r.Post("/requests", a.CreateReleaseRequest)
			r.Route("/requests/{requestID}", func(r chi.Router) {
				r.Use(validRequestID)
				r.Get("/", a.GetReleaseRequest)
				r.Post("/cancel", a.CancelReleaseRequest)
				r.Post("/release", a.ReleaseShare)
			})
			r.Get("/audit", a.CustodyJournal)
		})
	})

	return r
}

// Health reports readiness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Custody: a.custody != nil})
}
