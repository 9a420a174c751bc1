package kms

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
)

// StaticKeyStore is an immutable set of keys loaded at startup.
// It is safe for concurrent use; lookups never block each other.
type StaticKeyStore struct {
	keys map[string]*cryptoutils.KeyMaterial
	ids  []string

	closeOnce sync.Once
}

var _ interfaces.KeyStore = (*StaticKeyStore)(nil)

// NewStaticKeyStore takes ownership of keys. Duplicate identifiers are rejected.
func NewStaticKeyStore(keys ...*cryptoutils.KeyMaterial) (*StaticKeyStore, error) {
	ks := &StaticKeyStore{keys: make(map[string]*cryptoutils.KeyMaterial, len(keys))}
	for _, k := range keys {
		if k == nil {
			continue
		}
		if _, exists := ks.keys[k.ID()]; exists {
			return nil, fmt.Errorf("duplicate key id %q", k.ID())
		}
		ks.keys[k.ID()] = k
		ks.ids = append(ks.ids, k.ID())
	}
	sort.Strings(ks.ids)
	return ks, nil
}

// Key returns the key bound to keyID.
func (ks *StaticKeyStore) Key(keyID string) (*cryptoutils.KeyMaterial, error) {
	k, ok := ks.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cryptoutils.ErrUnknownKey, keyID)
	}
	return k, nil
}

// KeyIDs returns the sorted key identifiers.
func (ks *StaticKeyStore) KeyIDs() []string {
	out := make([]string, len(ks.ids))
	copy(out, ks.ids)
	return out
}

// Len returns the number of keys.
func (ks *StaticKeyStore) Len() int {
	return len(ks.ids)
}

// Close zeroes every key.
func (ks *StaticKeyStore) Close() error {
	ks.closeOnce.Do(func() {
		for _, k := range ks.keys {
			k.Zero()
		}
	})
	return nil
}
