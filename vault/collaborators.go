package vault

import (
	"context"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/threshold"
)

// Custodian holds Share B under a service key.
type Custodian interface {
	// Deposit replaces any share held for the vault with shareB.
	Deposit(ctx context.Context, vaultID, shareSetID string, shareB threshold.Share) error
	// Revoke drops the share held for shareSetID if it is still current.
	Revoke(ctx context.Context, vaultID, shareSetID string) error
}

// Notifier delivers protocol output to people. Apart from RecoveryArtifact,
// which goes to the owner's verified identity, it only ever receives
// already-wrapped material.
type Notifier interface {
	RecoveryArtifact(ctx context.Context, vaultID, ownerID string, artifact crypto.RecoveryArtifact) error
	NomineeShare(ctx context.Context, identity string, share *WrappedShare) error
	MemberRotated(ctx context.Context, vaultID string, rotation Rotation) error
}

type nopNotifier struct{}

func (nopNotifier) RecoveryArtifact(context.Context, string, string, crypto.RecoveryArtifact) error {
	return nil
}

func (nopNotifier) NomineeShare(context.Context, string, *WrappedShare) error { return nil }

func (nopNotifier) MemberRotated(context.Context, string, Rotation) error { return nil }
