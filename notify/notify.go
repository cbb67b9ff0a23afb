// Package notify delivers vault protocol output to people. Nominee shares
// and rotation notices are already wrapped or public; the recovery artifact
// is the one plaintext secret that leaves the core, and only towards the
// vault owner's verified identity.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/vault"
)

// LogNotifier records deliveries in the structured log. It never logs the
// recovery artifact itself, only its identifier, so it is a development
// and audit companion rather than a delivery channel.
type LogNotifier struct {
	logger *slog.Logger
}

var _ vault.Notifier = (*LogNotifier)(nil)

// NewLogNotifier returns a LogNotifier writing to logger, or slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) RecoveryArtifact(ctx context.Context, vaultID, ownerID string, artifact crypto.RecoveryArtifact) error {
	n.logger.LogAttrs(ctx, slog.LevelInfo, "recovery artifact issued",
		slog.String("vault_id", vaultID),
		slog.String("owner_id", ownerID),
		slog.String("artifact_id", artifact.ID()),
		slog.Int("artifact_version", artifact.Version()),
	)
	return nil
}

func (n *LogNotifier) NomineeShare(ctx context.Context, identity string, share *vault.WrappedShare) error {
	n.logger.LogAttrs(ctx, slog.LevelInfo, "nominee share issued",
		slog.String("vault_id", share.VaultID),
		slog.String("nominee_id", share.NomineeID),
		slog.String("identity", identity),
		slog.String("share_set_id", share.ShareSetID),
		slog.Int("trigger_days", share.TriggerDays),
	)
	return nil
}

func (n *LogNotifier) MemberRotated(ctx context.Context, vaultID string, rotation vault.Rotation) error {
	n.logger.LogAttrs(ctx, slog.LevelWarn, "member key pair replaced",
		slog.String("vault_id", vaultID),
		slog.String("member_id", rotation.MemberID),
		slog.String("old_fingerprint", rotation.OldFingerprint),
		slog.String("new_fingerprint", rotation.NewFingerprint),
		slog.String("reason", rotation.Reason),
	)
	return nil
}

// Multi fans every delivery out to all notifiers and joins their errors.
type Multi []vault.Notifier

var _ vault.Notifier = Multi(nil)

func (m Multi) RecoveryArtifact(ctx context.Context, vaultID, ownerID string, artifact crypto.RecoveryArtifact) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.RecoveryArtifact(ctx, vaultID, ownerID, artifact))
	}
	return errors.Join(errs...)
}

func (m Multi) NomineeShare(ctx context.Context, identity string, share *vault.WrappedShare) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NomineeShare(ctx, identity, share))
	}
	return errors.Join(errs...)
}

func (m Multi) MemberRotated(ctx context.Context, vaultID string, rotation vault.Rotation) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.MemberRotated(ctx, vaultID, rotation))
	}
	return errors.Join(errs...)
}
