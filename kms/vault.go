package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/configserver/cryptoutils"
)

// NewVaultClient creates a Vault client for address authenticated with token.
// An empty address falls back to VAULT_ADDR handling of the Vault SDK.
func NewVaultClient(address, token string) (*api.Client, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// LoadVaultKeys reads one key per identifier from the KV v2 secret
// <mount>/data/<path>/<id>. The secret must hold a base64 "key" field and may
// hold an "algorithm" field (default aes-256-gcm).
func LoadVaultKeys(ctx context.Context, client *api.Client, mountPath, dataPath string, keyIDs []string, log *slog.Logger) (*StaticKeyStore, error) {
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	keys := make([]*cryptoutils.KeyMaterial, 0, len(keyIDs))
	release := func() {
		for _, k := range keys {
			k.Zero()
		}
	}

	for _, id := range keyIDs {
		path := fmt.Sprintf("%s/data/%s/%s", mountPath, dataPath, id)
		key, err := readVaultKey(ctx, client, path, id)
		if err != nil {
			release()
			log.Error("Failed to load key from Vault", slog.String("path", path), "err", err)
			return nil, err
		}
		keys = append(keys, key)
	}

	log.Info("Loaded keys from Vault", slog.Int("count", len(keys)), slog.String("mount", mountPath))
	return NewStaticKeyStore(keys...)
}

func readVaultKey(ctx context.Context, client *api.Client, path, id string) (*cryptoutils.KeyMaterial, error) {
	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q from Vault: %w", id, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %q not found in Vault", cryptoutils.ErrUnknownKey, id)
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid KV v2 response for key %q", id)
	}

	encoded, ok := data["key"].(string)
	if !ok {
		return nil, fmt.Errorf("secret for key %q has no key field", id)
	}

	alg := cryptoutils.AES256GCM
	if name, ok := data["algorithm"].(string); ok && name != "" {
		alg, err = cryptoutils.ParseAlgorithm(name)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("key %q is not valid base64", id)
	}
	defer cryptoutils.Wipe(raw)

	return cryptoutils.NewKeyMaterial(id, alg, raw)
}
