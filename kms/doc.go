// Package kms provides the key stores the configuration server decrypts with.
//
// Keys are provisioned, never managed: the server loads them once at startup and
// holds them read-only until shutdown, when Close zeroes them. Every store
// implements interfaces.KeyStore:
//
//	type KeyStore interface {
//	    Key(keyID string) (*cryptoutils.KeyMaterial, error)
//	    KeyIDs() []string
//	    Close() error
//	}
//
// The package includes these providers:
//
// # Key directory
//
// LoadKeyDir reads <id>.key (AES-256-GCM) and <id>.xchacha.key
// (XChaCha20-Poly1305) files holding base64 encoded 32-byte keys. WriteKeyFile
// produces them.
//
// # Derived keys
//
// DeriveKeyStore derives keys deterministically from a master seed with
// HKDF-SHA256, so that the same seed yields the same keys across restarts. The
// master seed itself can be held by operators as Shamir shares
// (SplitMasterSeed, CombineMasterSeed).
//
// # Vault
//
// LoadVaultKeys reads keys from a HashiCorp Vault KV v2 mount.
package kms
