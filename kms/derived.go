package kms

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/configserver/cryptoutils"
	"golang.org/x/crypto/hkdf"
)

// MinMasterSeedSize is the minimum accepted master seed length.
const MinMasterSeedSize = 32

const derivationSalt = "configserver/kms/v1"

// DeriveKeyStore derives one key per identifier from masterSeed. Derivation is
// deterministic, so the same seed yields the same keys across restarts.
// Only the listed identifiers exist in the returned store.
func DeriveKeyStore(masterSeed []byte, keyIDs []string, alg cryptoutils.Algorithm) (*StaticKeyStore, error) {
	if len(masterSeed) < MinMasterSeedSize {
		return nil, fmt.Errorf("master seed must be at least %d bytes", MinMasterSeedSize)
	}
	if len(keyIDs) == 0 {
		return nil, errors.New("no key ids to derive")
	}

	keys := make([]*cryptoutils.KeyMaterial, 0, len(keyIDs))
	for _, id := range keyIDs {
		key, err := DeriveKey(masterSeed, id, alg)
		if err != nil {
			for _, k := range keys {
				k.Zero()
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return NewStaticKeyStore(keys...)
}

// DeriveKey derives the key for keyID. The algorithm is part of the derivation
// info so a seed never yields the same bytes for two algorithms.
func DeriveKey(masterSeed []byte, keyID string, alg cryptoutils.Algorithm) (*cryptoutils.KeyMaterial, error) {
	info := []byte(alg.String() + "/" + keyID)
	secret := make([]byte, cryptoutils.KeySize)
	defer cryptoutils.Wipe(secret)

	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSeed, []byte(derivationSalt), info), secret); err != nil {
		return nil, fmt.Errorf("failed to derive key %q: %w", keyID, err)
	}
	return cryptoutils.NewKeyMaterial(keyID, alg, secret)
}
