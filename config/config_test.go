package config

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noEnv = map[string]string{}

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func TestParse_Full(t *testing.T) {
	data := `
server:
  listen_addr: 0.0.0.0:9000
  metrics_addr: 127.0.0.1:9090
  work_dir: /var/lib/configserver
  default_key_id: prod
keys:
  provider: derived
  key_ids: [prod, staging]
  algorithm: xchacha20-poly1305
repositories:
  - name: payments
    source: git+https://git.example.com/ops/payments.git?branch=main
    mirrors:
      - s3://mirror/payments?region=eu-west-1
    poll_interval: 45s
    key_id: staging
    checkout:
      subpath: services/payments
      retain: 2
  - name: web
    source: file:///srv/web
`
	cfg, err := Parse([]byte(data), map[string]string{
		"CONFIGSERVER_MASTER_SEED": hex.EncodeToString(testSeed()),
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "prod", cfg.Server.DefaultKeyID)
	assert.Equal(t, ProviderDerived, cfg.Keys.Provider)
	require.Len(t, cfg.Repositories, 2)

	payments := cfg.Repositories[0]
	assert.Equal(t, 45*time.Second, payments.PollInterval)
	assert.Equal(t, []string{"s3://mirror/payments?region=eu-west-1"}, payments.Mirrors)
	assert.Equal(t, "services/payments", payments.Checkout.Subpath)
	assert.Equal(t, 2, payments.Checkout.Retain)
	assert.Equal(t, interfaces.DefaultPollInterval, cfg.Repositories[1].Interval())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("keys:\n  dir: /etc/keys\n"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, ProviderDir, cfg.Keys.Provider)
	assert.Equal(t, "aes-256-gcm", cfg.Keys.Algorithm)
	assert.Equal(t, DefaultVaultMount, cfg.Keys.Vault.Mount)
}

func TestParse_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		data    string
		environ map[string]string
	}{
		{name: "unknown field", data: "keys:\n  dir: /k\nbogus: 1\n"},
		{name: "bad yaml", data: "keys: [\n"},
		{name: "no key dir", data: "keys:\n  provider: dir\n"},
		{name: "unknown provider", data: "keys:\n  provider: hsm\n"},
		{name: "bad algorithm", data: "keys:\n  dir: /k\n  algorithm: rot13\n"},
		{name: "derived without seed", data: "keys:\n  provider: derived\n  key_ids: [prod]\n"},
		{name: "derived without ids", data: "keys:\n  provider: derived\n", environ: map[string]string{"CONFIGSERVER_MASTER_SEED": "00"}},
		{name: "vault without token", data: "keys:\n  provider: vault\n  key_ids: [prod]\n  vault:\n    address: http://vault:8200\n"},
		{name: "reserved name", data: "keys:\n  dir: /k\nrepositories:\n  - name: encrypt\n    source: file:///x\n"},
		{name: "invalid name", data: "keys:\n  dir: /k\nrepositories:\n  - name: Bad/Name\n    source: file:///x\n"},
		{name: "duplicate", data: "keys:\n  dir: /k\nrepositories:\n  - name: a\n    source: file:///x\n  - name: a\n    source: file:///y\n"},
		{name: "short poll", data: "keys:\n  dir: /k\nrepositories:\n  - name: a\n    source: file:///x\n    poll_interval: 10ms\n"},
		{name: "missing source", data: "keys:\n  dir: /k\nrepositories:\n  - name: a\n"},
		{
			name:    "unknown repository key",
			data:    "keys:\n  provider: derived\n  key_ids: [prod]\nrepositories:\n  - name: a\n    source: file:///x\n    key_id: other\n",
			environ: map[string]string{"CONFIGSERVER_MASTER_SEED": "00"},
		},
		{
			name:    "unknown default key",
			data:    "server:\n  default_key_id: other\nkeys:\n  provider: derived\n  key_ids: [prod]\n",
			environ: map[string]string{"CONFIGSERVER_MASTER_SEED": "00"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			environ := tc.environ
			if environ == nil {
				environ = noEnv
			}
			_, err := Parse([]byte(tc.data), environ)
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrConfiguration)
		})
	}
}

func TestParse_MalformedSourceIsNotFatal(t *testing.T) {
	cfg, err := Parse([]byte("keys:\n  dir: /k\nrepositories:\n  - name: a\n    source: ftp://nowhere\n"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "ftp://nowhere", cfg.Repositories[0].Source)
}

func TestParse_VaultAddressFromEnv(t *testing.T) {
	cfg, err := Parse([]byte("keys:\n  provider: vault\n  key_ids: [prod]\n"), map[string]string{
		"VAULT_ADDR":  "http://vault:8200",
		"VAULT_TOKEN": "s.token",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://vault:8200", cfg.Keys.Vault.Address)
	assert.Equal(t, "s.token", cfg.Secrets.VaultToken)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keys:\n  dir: /etc/keys\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/keys", cfg.Keys.Dir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestBuildKeyStore_Derived(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seed := testSeed()
	data := []byte("keys:\n  provider: derived\n  key_ids: [prod, staging]\n")

	fromSeed, err := Parse(data, map[string]string{"CONFIGSERVER_MASTER_SEED": hex.EncodeToString(seed)})
	require.NoError(t, err)
	ks, err := fromSeed.BuildKeyStore(t.Context(), logger)
	require.NoError(t, err)
	defer ks.Close()
	assert.Equal(t, []string{"prod", "staging"}, ks.KeyIDs())

	shares, err := kms.SplitMasterSeed(seed, 5, 3)
	require.NoError(t, err)
	fromShares, err := Parse(data, map[string]string{"CONFIGSERVER_MASTER_SEED_SHARES": strings.Join(shares[1:4], ",")})
	require.NoError(t, err)
	ks2, err := fromShares.BuildKeyStore(t.Context(), logger)
	require.NoError(t, err)
	defer ks2.Close()

	expected, err := ks.Key("prod")
	require.NoError(t, err)
	actual, err := ks2.Key("prod")
	require.NoError(t, err)
	assert.Equal(t, expected.Secret(), actual.Secret(), "Shares reconstruct the same keys")

	badHex, err := Parse(data, map[string]string{"CONFIGSERVER_MASTER_SEED": "zz"})
	require.NoError(t, err)
	_, err = badHex.BuildKeyStore(t.Context(), logger)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestBuildKeyStore_Dir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	key, err := cryptoutils.GenerateKeyMaterial("prod", cryptoutils.AES256GCM)
	require.NoError(t, err)
	_, err = kms.WriteKeyFile(dir, key)
	require.NoError(t, err)

	ok, err := Parse([]byte("keys:\n  dir: "+dir+"\nrepositories:\n  - name: a\n    source: file:///x\n    key_id: prod\n"), noEnv)
	require.NoError(t, err)
	ks, err := ok.BuildKeyStore(t.Context(), logger)
	require.NoError(t, err)
	ks.Close()

	missing, err := Parse([]byte("keys:\n  dir: "+dir+"\nrepositories:\n  - name: a\n    source: file:///x\n    key_id: other\n"), noEnv)
	require.NoError(t, err, "Dir key ids are only known once loaded")
	_, err = missing.BuildKeyStore(t.Context(), logger)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}
