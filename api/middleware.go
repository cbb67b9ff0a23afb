package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/internal/uuid"
)

// BearerAuth checks the Authorization header against the configured token.
// Repeated failures from one client IP are locked out with exponential
// backoff.
func (a *API) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.clientIP(r)
		if retryAfter, blocked := a.authLockout.Blocked(ip); blocked {
			a.audit.log(AuditAuthRateLimited, r)
			writeRateLimited(w, retryAfter)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			a.authLockout.Fail(ip)
			a.audit.logFailure(AuditAuthFailure, r, "invalid bearer token")
			writeError(w, http.StatusUnauthorized, custody.CodeUnauthorized, "authentication required")
			return
		}
		a.authLockout.Clear(ip)
		next.ServeHTTP(w, r)
	})
}

// validVaultID rejects vault IDs that cannot be storage keys.
func validVaultID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validName(chi.URLParam(r, "vaultID")) {
			writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid vault id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validRequestID rejects release request IDs that are not UUIDs before
// they reach storage.
func validRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !uuid.Valid(chi.URLParam(r, "requestID")) {
			writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid request id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireCustody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.custody == nil {
			writeError(w, http.StatusNotFound, custody.CodeNotFound, "custody service not enabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validName accepts the characters used by vault, record and request IDs.
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '@':
		default:
			return false
		}
	}
	return s != "." && s != ".."
}

// SecurityHeaders sets standard security response headers on every
// response. Key material must never be cached by intermediaries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if !strings.Contains(r.URL.Path, "/docs") && !strings.Contains(r.URL.Path, "/redoc") {
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func (a *API) logServerError(r *http.Request, err error) {
	a.audit.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
