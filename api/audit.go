package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure        AuditEvent = "auth_failure"
	AuditAuthRateLimited    AuditEvent = "auth_rate_limited"
	AuditShareDeposited     AuditEvent = "custody_share_deposited"
	AuditShareRevoked       AuditEvent = "custody_share_revoked"
	AuditReleaseRequested   AuditEvent = "release_requested"
	AuditReleaseCancelled   AuditEvent = "release_cancelled"
	AuditReleaseGranted     AuditEvent = "release_granted"
	AuditReleasePremature   AuditEvent = "release_premature"
	AuditReleaseLockedOut   AuditEvent = "release_locked_out"
	AuditReleaseSuperseded  AuditEvent = "release_superseded"
	AuditReservedRecordDeny AuditEvent = "reserved_record_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
	alarms *alarms
	sink   AuditSink
}

// AuditSink receives audit events for delivery to an external collector.
// notify.Webhook satisfies it.
type AuditSink interface {
	Audit(ctx context.Context, event, vaultID, remoteAddr string, attrs map[string]string) error
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit entry, feeds the anomaly detector and
// forwards the event to the webhook when one is configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	vaultID := chi.URLParam(r, "vaultID")
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	if vaultID != "" {
		base = append(base, slog.String("vault_id", vaultID))
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)

	al.alarms.observe(event)
	if al.sink != nil {
		extra := make(map[string]string, len(attrs))
		for _, a := range attrs {
			extra[a.Key] = a.Value.String()
		}
		// The sink logs its own delivery failures.
		_ = al.sink.Audit(r.Context(), string(event), vaultID, r.RemoteAddr, extra)
	}
}

// logFailure logs a rejected request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
