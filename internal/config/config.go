// Package config loads ironkeep settings from IRONKEEP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/ironkeep/crypto"
)

// Config contains every ironkeep setting.
type Config struct {
	LogLevel  string  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string  `env:"LOG_FORMAT" envDefault:"json"`
	Server    Server  `envPrefix:"SERVER_"`
	Storage   Storage `envPrefix:"STORAGE_"`
	Custody   Custody `envPrefix:"CUSTODY_"`
	Notify    Notify  `envPrefix:"NOTIFY_"`
	Blob      Blob    `envPrefix:"BLOB_"`
	Client    Client  `envPrefix:"CLIENT_"`
	KDF       KDF     `envPrefix:"KDF_"`
}

// Server contains HTTP listener parameters.
type Server struct {
	Port             int      `env:"PORT" envDefault:"8443"`
	TLSCert          string   `env:"TLS_CERT"`
	TLSKey           string   `env:"TLS_KEY"`
	Token            string   `env:"TOKEN"`
	TrustedProxies   []string `env:"TRUSTED_PROXIES" envSeparator:","`
	AuditWebhookURL  string   `env:"AUDIT_WEBHOOK_URL"`
	AuditWebhookAuth string   `env:"AUDIT_WEBHOOK_AUTH"`
}

// Storage selects the server-side repository.
type Storage struct {
	Backend string `env:"BACKEND" envDefault:"bbolt"`
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	DSN     string `env:"DSN"`
}

// Custody configures the service key that seals Share B.
type Custody struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// KeySource is "static" or "vault".
	KeySource  string `env:"KEY_SOURCE" envDefault:"static"`
	ServiceKey string `env:"SERVICE_KEY"`
	VaultAddr  string `env:"VAULT_ADDR"`
	VaultToken string `env:"VAULT_TOKEN"`
	VaultMount string `env:"VAULT_MOUNT" envDefault:"secret"`
	VaultPath  string `env:"VAULT_PATH" envDefault:"ironkeep/custody"`
	VaultField string `env:"VAULT_FIELD" envDefault:"service_key"`
}

// Notify configures delivery of recovery artifacts and nominee shares.
type Notify struct {
	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookAuth   string `env:"WEBHOOK_AUTH"`
	AllowInsecure bool   `env:"ALLOW_INSECURE" envDefault:"false"`
}

// Blob selects where sealed documents are stored.
type Blob struct {
	// Backend is "memory", "minio" or "s3".
	Backend   string `env:"BACKEND" envDefault:"memory"`
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"ironkeep-documents"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Prefix    string `env:"PREFIX"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"true"`
}

// Client contains settings for the vault subcommands. An empty ServerURL
// runs them against the local Storage backend with an in-process custodian.
type Client struct {
	ServerURL      string        `env:"SERVER_URL"`
	Token          string        `env:"TOKEN"`
	CacheDir       string        `env:"CACHE_DIR" envDefault:"./cache"`
	Insecure       bool          `env:"INSECURE" envDefault:"false"`
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"5m"`
	MemberScheme   string        `env:"MEMBER_SCHEME" envDefault:"x25519"`
}

// KDF selects the Argon2id profile for new wraps.
type KDF struct {
	Profile string `env:"PROFILE" envDefault:"moderate"`
}

// New loads configuration from the environment.
func New() (*Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "IRONKEEP_"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "bbolt", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("STORAGE_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Custody.KeySource {
	case "static", "vault":
	default:
		errs = append(errs, fmt.Errorf("unknown custody key source %q", c.Custody.KeySource))
	}
	switch c.Blob.Backend {
	case "memory", "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("SERVER_TLS_CERT and SERVER_TLS_KEY must be set together"))
	}
	if _, err := c.TrustedProxies(); err != nil {
		errs = append(errs, err)
	}
	if _, err := crypto.KDFProfile(c.KDF.Profile); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxies parses Server.TrustedProxies. A bare address is treated
// as a single-host prefix.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.Server.TrustedProxies {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// KDFParams returns the parameters of the configured profile.
func (c *Config) KDFParams() (crypto.KDFParams, error) {
	return crypto.KDFProfile(c.KDF.Profile)
}
