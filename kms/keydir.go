package kms

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/configserver/cryptoutils"
)

const (
	keyFileSuffix     = ".key"
	xchachaFileSuffix = ".xchacha.key"
)

// LoadKeyDir loads every key file in dir. A file named <id>.key holds a base64
// encoded AES-256-GCM key, <id>.xchacha.key an XChaCha20-Poly1305 key.
// Other files are ignored.
func LoadKeyDir(dir string) (*StaticKeyStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var keys []*cryptoutils.KeyMaterial
	release := func() {
		for _, k := range keys {
			k.Zero()
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileSuffix) {
			continue
		}

		id, alg := keyFileIdentity(entry.Name())
		key, err := readKeyFile(filepath.Join(dir, entry.Name()), id, alg)
		if err != nil {
			release()
			return nil, err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no key files found in %s", dir)
	}

	ks, err := NewStaticKeyStore(keys...)
	if err != nil {
		release()
		return nil, err
	}
	return ks, nil
}

// WriteKeyFile writes key into dir using the naming LoadKeyDir expects.
// Existing files are never overwritten.
func WriteKeyFile(dir string, key *cryptoutils.KeyMaterial) (string, error) {
	name := key.ID() + keyFileSuffix
	if key.Algorithm() == cryptoutils.XChaCha20Poly1305 {
		name = key.ID() + xchachaFileSuffix
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("key id %q is not a valid file name", key.ID())
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}

	secret := key.Secret()
	defer cryptoutils.Wipe(secret)

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create key file: %w", err)
	}
	_, werr := f.WriteString(base64.StdEncoding.EncodeToString(secret) + "\n")
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return path, nil
}

func keyFileIdentity(name string) (string, cryptoutils.Algorithm) {
	if strings.HasSuffix(name, xchachaFileSuffix) {
		return strings.TrimSuffix(name, xchachaFileSuffix), cryptoutils.XChaCha20Poly1305
	}
	return strings.TrimSuffix(name, keyFileSuffix), cryptoutils.AES256GCM
}

func readKeyFile(path, id string, alg cryptoutils.Algorithm) (*cryptoutils.KeyMaterial, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", filepath.Base(path), err)
	}
	defer cryptoutils.Wipe(raw)

	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not valid base64", filepath.Base(path))
	}
	defer cryptoutils.Wipe(secret)

	key, err := cryptoutils.NewKeyMaterial(id, alg, secret)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", filepath.Base(path), err)
	}
	return key, nil
}
