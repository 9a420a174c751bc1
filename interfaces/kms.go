package interfaces

import "github.com/ruteri/configserver/cryptoutils"

// KeyStore holds provisioned key material, shared read-only by every encrypt and
// decrypt call once loaded.
type KeyStore interface {
	// Key returns the material bound to keyID, or an error wrapping
	// cryptoutils.ErrUnknownKey.
	Key(keyID string) (*cryptoutils.KeyMaterial, error)

	// KeyIDs lists the identifiers held by the store, sorted.
	KeyIDs() []string

	// Close zeroes all key material. The store is unusable afterwards.
	Close() error
}
