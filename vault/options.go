package vault

import (
	"log/slog"
	"time"

	"github.com/jmcleod/ironkeep/blob"
	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/members"
)

// Session defaults.
const (
	DefaultSessionTimeout  = 15 * time.Minute
	DefaultSessionLifetime = 12 * time.Hour
)

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}

// WithGenerationCache sets the rollback-detection cache.
//
// The default in-memory cache loses rollback protection across restarts;
// use BoltGenerationCache or the postgres implementation in production.
func WithGenerationCache(cache GenerationCache) Option {
	return func(v *Vault) {
		v.genCache = cache
	}
}

// WithCustodian sets the holder of Share B.
func WithCustodian(c Custodian) Option {
	return func(v *Vault) {
		v.custodian = c
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(v *Vault) {
		v.notifier = n
	}
}

// WithKeyRing sets the device key ring consulted before replacing a member
// key pair whose password wrap can no longer be opened.
func WithKeyRing(kr members.KeyRing) Option {
	return func(v *Vault) {
		v.keyRing = kr
	}
}

// WithBlobStore sets the object store used for documents.
func WithBlobStore(s blob.Store) Option {
	return func(v *Vault) {
		v.blobs = s
	}
}

// WithKDFParams sets the Argon2id parameters recorded for new wraps.
func WithKDFParams(params crypto.KDFParams) Option {
	return func(v *Vault) {
		v.kdfParams = params
	}
}

// WithMemberScheme selects the owner key scheme at Create.
func WithMemberScheme(scheme string) Option {
	return func(v *Vault) {
		v.memberScheme = scheme
	}
}

// WithWrapScheme selects the AEAD used for password and recovery wraps.
func WithWrapScheme(scheme string) Option {
	return func(v *Vault) {
		v.wrapScheme = scheme
	}
}

// WithSessionTimeout locks a session after d without use. Zero disables.
func WithSessionTimeout(d time.Duration) Option {
	return func(v *Vault) {
		v.idleTimeout = d
	}
}

// WithSessionLifetime locks a session d after unlock regardless of use.
// Zero disables.
func WithSessionLifetime(d time.Duration) Option {
	return func(v *Vault) {
		v.maxLifetime = d
	}
}

// WithMinPasswordLength sets the minimum rune count for new passwords.
func WithMinPasswordLength(n int) Option {
	return func(v *Vault) {
		v.minPasswordLen = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}
