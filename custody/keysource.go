package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// KeySource supplies the 32-byte service key that seals custodial shares.
type KeySource interface {
	ServiceKey(ctx context.Context) ([]byte, error)
}

// StaticKey is a hex-encoded service key, typically from configuration.
type StaticKey string

func (k StaticKey) ServiceKey(context.Context) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(string(k)))
	if err != nil {
		return nil, fmt.Errorf("decoding service key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrInvalidServiceKey
	}
	return key, nil
}

// VaultKVConfig locates the service key in a HashiCorp Vault KV v2 engine.
type VaultKVConfig struct {
	Address string
	Token   string
	Mount   string
	Path    string
	// Field is the key inside the secret's data; defaults to "service_key".
	Field string
}

// VaultKVKey reads the service key from HashiCorp Vault.
type VaultKVKey struct {
	client *api.Client
	mount  string
	path   string
	field  string
	log    *slog.Logger
}

// NewVaultKVKey creates a key source backed by a Vault KV v2 secret.
func NewVaultKVKey(cfg VaultKVConfig, log *slog.Logger) (*VaultKVKey, error) {
	if cfg.Path == "" {
		return nil, errors.New("vault secret path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	field := cfg.Field
	if field == "" {
		field = "service_key"
	}
	return &VaultKVKey{
		client: client,
		mount:  mount,
		path:   strings.Trim(cfg.Path, "/"),
		field:  field,
		log:    log.With("component", "custody", "key_source", "vault"),
	}, nil
}

func (k *VaultKVKey) ServiceKey(ctx context.Context) ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s", k.mount, k.path)
	secret, err := k.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		k.log.Error("reading service key", "path", path, "error", err)
		return nil, fmt.Errorf("reading service key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("service key not found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid data format at %s", path)
	}
	raw, ok := data[k.field].(string)
	if !ok {
		return nil, fmt.Errorf("field %q not found at %s", k.field, path)
	}
	key, err := StaticKey(raw).ServiceKey(ctx)
	if err != nil {
		return nil, err
	}
	k.log.Info("loaded service key", "path", path)
	return key, nil
}
