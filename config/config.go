package config

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/kms"
	"gopkg.in/yaml.v3"
)

// Key providers.
const (
	ProviderDir     = "dir"
	ProviderDerived = "derived"
	ProviderVault   = "vault"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultVaultMount = "secret"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig                  `yaml:"server"`
	Keys         KeysConfig                    `yaml:"keys"`
	Repositories []interfaces.RepositoryConfig `yaml:"repositories"`

	// Secrets are read from the environment, never from the file.
	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	WorkDir      string `yaml:"work_dir"`
	DefaultKeyID string `yaml:"default_key_id"`
}

type KeysConfig struct {
	Provider  string      `yaml:"provider"`
	Dir       string      `yaml:"dir"`
	KeyIDs    []string    `yaml:"key_ids"`
	Algorithm string      `yaml:"algorithm"`
	Vault     VaultConfig `yaml:"vault"`
}

type VaultConfig struct {
	Address string `yaml:"address"`
	Mount   string `yaml:"mount"`
	Path    string `yaml:"path"`
}

type Secrets struct {
	MasterSeed       string `env:"CONFIGSERVER_MASTER_SEED"`
	MasterSeedShares string `env:"CONFIGSERVER_MASTER_SEED_SHARES"`
	VaultToken       string `env:"VAULT_TOKEN"`
	VaultAddr        string `env:"VAULT_ADDR"`
}

// Load reads the file at path and the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read config file: %v", interfaces.ErrConfiguration, err)
	}
	return Parse(data, nil)
}

// Parse decodes data and reads secrets from environ, or from the process
// environment when environ is nil. The result is validated.
func Parse(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: could not parse config file: %v", interfaces.ErrConfiguration, err)
	}

	if err := env.ParseWithOptions(&cfg.Secrets, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("%w: could not parse environment: %v", interfaces.ErrConfiguration, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Keys.Provider == "" {
		c.Keys.Provider = ProviderDir
	}
	if c.Keys.Algorithm == "" {
		c.Keys.Algorithm = cryptoutils.AES256GCM.String()
	}
	if c.Keys.Vault.Mount == "" {
		c.Keys.Vault.Mount = DefaultVaultMount
	}
	if c.Secrets.VaultAddr != "" {
		c.Keys.Vault.Address = c.Secrets.VaultAddr
	}
}

// Validate checks the repositories and the key provider settings. Source URIs
// are not parsed.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Repositories))
	for _, repo := range c.Repositories {
		if err := repo.Validate(); err != nil {
			return err
		}
		if _, dup := seen[repo.Name]; dup {
			return fmt.Errorf("%w: duplicate repository %q", interfaces.ErrConfiguration, repo.Name)
		}
		seen[repo.Name] = struct{}{}
	}

	if _, err := cryptoutils.ParseAlgorithm(c.Keys.Algorithm); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}

	switch c.Keys.Provider {
	case ProviderDir:
		if c.Keys.Dir == "" {
			return fmt.Errorf("%w: keys.dir is required for the dir provider", interfaces.ErrConfiguration)
		}
	case ProviderDerived:
		if len(c.Keys.KeyIDs) == 0 {
			return fmt.Errorf("%w: keys.key_ids is required for the derived provider", interfaces.ErrConfiguration)
		}
		if c.Secrets.MasterSeed == "" && c.Secrets.MasterSeedShares == "" {
			return fmt.Errorf("%w: CONFIGSERVER_MASTER_SEED or CONFIGSERVER_MASTER_SEED_SHARES must be set", interfaces.ErrConfiguration)
		}
	case ProviderVault:
		if len(c.Keys.KeyIDs) == 0 {
			return fmt.Errorf("%w: keys.key_ids is required for the vault provider", interfaces.ErrConfiguration)
		}
		if c.Keys.Vault.Address == "" || c.Secrets.VaultToken == "" {
			return fmt.Errorf("%w: vault address and VAULT_TOKEN are required for the vault provider", interfaces.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown key provider %q", interfaces.ErrConfiguration, c.Keys.Provider)
	}

	if len(c.Keys.KeyIDs) > 0 {
		for _, repo := range c.Repositories {
			if repo.KeyID != "" && !slices.Contains(c.Keys.KeyIDs, repo.KeyID) {
				return fmt.Errorf("%w: repository %q uses unknown key %q", interfaces.ErrConfiguration, repo.Name, repo.KeyID)
			}
		}
		if d := c.Server.DefaultKeyID; d != "" && !slices.Contains(c.Keys.KeyIDs, d) {
			return fmt.Errorf("%w: default key %q is not provisioned", interfaces.ErrConfiguration, d)
		}
	}
	return nil
}

// BuildKeyStore loads the key material named by the key provider settings,
// and checks that every key referenced by the configuration is present.
func (c *Config) BuildKeyStore(ctx context.Context, log *slog.Logger) (*kms.StaticKeyStore, error) {
	ks, err := c.loadKeys(ctx, log)
	if err != nil {
		return nil, err
	}

	referenced := []string{c.Server.DefaultKeyID}
	for _, repo := range c.Repositories {
		referenced = append(referenced, repo.KeyID)
	}
	for _, id := range referenced {
		if id == "" {
			continue
		}
		if _, err := ks.Key(id); err != nil {
			ks.Close()
			return nil, fmt.Errorf("%w: key %q is referenced but not provisioned", interfaces.ErrConfiguration, id)
		}
	}

	log.Info("key store loaded", slog.String("provider", c.Keys.Provider), slog.Any("keyIDs", ks.KeyIDs()))
	return ks, nil
}

func (c *Config) loadKeys(ctx context.Context, log *slog.Logger) (*kms.StaticKeyStore, error) {
	switch c.Keys.Provider {
	case ProviderDir:
		return kms.LoadKeyDir(c.Keys.Dir)

	case ProviderDerived:
		alg, err := cryptoutils.ParseAlgorithm(c.Keys.Algorithm)
		if err != nil {
			return nil, err
		}
		seed, err := c.masterSeed()
		if err != nil {
			return nil, err
		}
		defer cryptoutils.Wipe(seed)
		return kms.DeriveKeyStore(seed, c.Keys.KeyIDs, alg)

	case ProviderVault:
		client, err := kms.NewVaultClient(c.Keys.Vault.Address, c.Secrets.VaultToken)
		if err != nil {
			return nil, err
		}
		return kms.LoadVaultKeys(ctx, client, c.Keys.Vault.Mount, c.Keys.Vault.Path, c.Keys.KeyIDs, log)

	default:
		return nil, fmt.Errorf("%w: unknown key provider %q", interfaces.ErrConfiguration, c.Keys.Provider)
	}
}

func (c *Config) masterSeed() ([]byte, error) {
	if c.Secrets.MasterSeed != "" {
		seed, err := hex.DecodeString(c.Secrets.MasterSeed)
		if err != nil {
			return nil, fmt.Errorf("%w: CONFIGSERVER_MASTER_SEED is not valid hex", interfaces.ErrConfiguration)
		}
		return seed, nil
	}
	return kms.CombineMasterSeed(kms.ParseShares(c.Secrets.MasterSeedShares))
}
