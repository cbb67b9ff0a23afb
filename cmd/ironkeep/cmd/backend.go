package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jmcleod/ironkeep/blob"
	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/keysync"
	"github.com/jmcleod/ironkeep/notify"
	"github.com/jmcleod/ironkeep/storage"
	bboltstorage "github.com/jmcleod/ironkeep/storage/bbolt"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/storage/postgres"
	"github.com/jmcleod/ironkeep/storage/remote"
	"github.com/jmcleod/ironkeep/vault"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

// backend is the authoritative repository plus its generation cache.
type backend struct {
	repo  storage.Repository
	cache vault.GenerationCache
	closers
}

// openBackend opens the repository selected by cfg.Storage.
func openBackend(ctx context.Context) (*backend, error) {
	b := &backend{}
	switch cfg.Storage.Backend {
	case "memory":
		b.repo = memory.NewRepository()
		b.cache = vault.NewMemoryGenerationCache()
	case "postgres":
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		b.add(func() error { store.Close(); return nil })
		gc, err := postgres.NewGenerationCache(ctx, store.Pool())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("loading generation cache: %w", err)
		}
		b.repo, b.cache = store, gc
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Storage.DataDir, "vault.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open vault storage: %w", err)
		}
		b.add(store.Close)
		gc, err := vault.NewBoltGenerationCacheFromFile(filepath.Join(cfg.Storage.DataDir, "generation.db"), nil)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open generation cache: %w", err)
		}
		b.add(gc.Close)
		b.repo, b.cache = store, gc
	}
	log.Debug("storage backend opened", "backend", cfg.Storage.Backend)
	return b, nil
}

// serviceKey loads the custody service key from the configured source.
func serviceKey(ctx context.Context) ([]byte, error) {
	var src custody.KeySource
	switch cfg.Custody.KeySource {
	case "vault":
		kv, err := custody.NewVaultKVKey(custody.VaultKVConfig{
			Address: cfg.Custody.VaultAddr,
			Token:   cfg.Custody.VaultToken,
			Mount:   cfg.Custody.VaultMount,
			Path:    cfg.Custody.VaultPath,
			Field:   cfg.Custody.VaultField,
		}, log.Logger)
		if err != nil {
			return nil, err
		}
		src = kv
	default:
		if cfg.Custody.ServiceKey == "" {
			return nil, errors.New("IRONKEEP_CUSTODY_SERVICE_KEY is required for the static key source")
		}
		src = custody.StaticKey(cfg.Custody.ServiceKey)
	}
	return src.ServiceKey(ctx)
}

func newCustodyService(ctx context.Context, repo storage.Repository) (*custody.Service, error) {
	key, err := serviceKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading custody service key: %w", err)
	}
	return custody.NewService(repo, key, custody.WithLogger(log.Logger))
}

func newBlobStore(ctx context.Context) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "minio":
		client, err := minio.New(cfg.Blob.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Blob.AccessKey, cfg.Blob.SecretKey, ""),
			Secure: cfg.Blob.UseSSL,
			Region: cfg.Blob.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("creating minio client: %w", err)
		}
		return blob.NewMinioStore(ctx, client, cfg.Blob.Bucket)
	case "s3":
		return blob.NewS3Store(blob.S3Config{
			Bucket:    cfg.Blob.Bucket,
			Prefix:    cfg.Blob.Prefix,
			Region:    cfg.Blob.Region,
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
		}, log.Logger)
	default:
		return blob.NewMemoryStore(), nil
	}
}

func newNotifier() (vault.Notifier, func(), error) {
	n := notify.Multi{notify.NewLogNotifier(log.Logger)}
	if cfg.Notify.WebhookURL == "" {
		return n, func() {}, nil
	}
	opts := []notify.WebhookOption{notify.WithWebhookLogger(log.Logger)}
	if cfg.Notify.WebhookAuth != "" {
		opts = append(opts, notify.WithAuthHeader(cfg.Notify.WebhookAuth))
	}
	if cfg.Notify.AllowInsecure {
		opts = append(opts, notify.AllowInsecure())
	}
	wh, err := notify.NewWebhook(cfg.Notify.WebhookURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return append(n, wh), wh.Close, nil
}

func clientHTTP() *http.Client {
	hc := &http.Client{Timeout: 30 * time.Second}
	if cfg.Client.Insecure {
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // self-signed dev servers
	}
	return hc
}

// client wires a Vault the way the vault subcommands use it: against a
// remote server with a local key-material cache, or fully in-process when
// no server URL is configured.
type client struct {
	repo      storage.Repository
	custodian vault.Custodian
	remote    *custody.Client
	service   *custody.Service
	opts      []vault.Option
	closers
}

func openClient(ctx context.Context) (*client, error) {
	c := &client{}
	params, err := cfg.KDFParams()
	if err != nil {
		return nil, err
	}

	var gc vault.GenerationCache
	if cfg.Client.ServerURL != "" {
		if err := os.MkdirAll(cfg.Client.CacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		hc := clientHTTP()
		server := remote.New(cfg.Client.ServerURL,
			remote.WithToken(cfg.Client.Token),
			remote.WithHTTPClient(hc),
			remote.WithLogger(log.Logger),
		)
		cache, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Client.CacheDir, "keys.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open key cache: %w", err)
		}
		c.add(cache.Close)
		bgc, err := vault.NewBoltGenerationCacheFromFile(filepath.Join(cfg.Client.CacheDir, "generation.db"), nil)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open generation cache: %w", err)
		}
		c.add(bgc.Close)
		gc = bgc
		c.repo = keysync.New(server, cache,
			keysync.WithLogger(log.Logger),
			keysync.WithConflictHandler(func(cf keysync.Conflict) {
				log.Warn("cached key material replaced by server copy", "conflict", cf)
			}),
		)
		c.remote = custody.NewClient(cfg.Client.ServerURL,
			custody.WithToken(cfg.Client.Token),
			custody.WithHTTPClient(hc),
		)
		c.custodian = c.remote
	} else {
		b, err := openBackend(ctx)
		if err != nil {
			return nil, err
		}
		c.closers = b.closers
		c.repo, gc = b.repo, b.cache
		if cfg.Custody.Enabled {
			svc, err := newCustodyService(ctx, b.repo)
			if err != nil {
				c.Close()
				return nil, err
			}
			c.service = svc
			c.custodian = svc
		}
	}

	blobs, err := newBlobStore(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	notifier, stop, err := newNotifier()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.add(func() error { stop(); return nil })

	c.opts = []vault.Option{
		vault.WithLogger(log.Logger),
		vault.WithGenerationCache(gc),
		vault.WithNotifier(notifier),
		vault.WithBlobStore(blobs),
		vault.WithKDFParams(params),
		vault.WithMemberScheme(cfg.Client.MemberScheme),
		vault.WithSessionTimeout(cfg.Client.SessionTimeout),
	}
	if c.custodian != nil {
		c.opts = append(c.opts, vault.WithCustodian(c.custodian))
	}
	return c, nil
}

func (c *client) vault(vaultID string, extra ...vault.Option) *vault.Vault {
	return vault.New(vaultID, c.repo, append(c.opts[:len(c.opts):len(c.opts)], extra...)...)
}

// custody returns the release-request API of whichever custodian is wired.
func (c *client) custody() (releaser, error) {
	switch {
	case c.remote != nil:
		return c.remote, nil
	case c.service != nil:
		return c.service, nil
	default:
		return nil, errors.New("custody is disabled")
	}
}
