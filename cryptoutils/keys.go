package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Algorithm identifies the AEAD construction used to seal an envelope.
// The numeric value is the algorithm tag written into the envelope header.
type Algorithm uint8

const (
	// AES256GCM is AES-256 in Galois/Counter mode with a 96-bit random nonce.
	AES256GCM Algorithm = 1

	// XChaCha20Poly1305 is XChaCha20-Poly1305 with a 192-bit random nonce.
	XChaCha20Poly1305 Algorithm = 2
)

// KeySize is the secret length required by every supported algorithm.
const KeySize = 32

// MaxKeyIDLength bounds key identifiers so they fit the one-byte length prefix.
const MaxKeyIDLength = 255

var (
	// ErrInvalidKey is returned when key material has the wrong size or identifier.
	ErrInvalidKey = errors.New("invalid key material")

	// ErrUnsupportedAlgorithm is returned for algorithm tags this build does not know.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AES256GCM:
		return "aes-256-gcm"
	case XChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a configuration name to an Algorithm.
// The empty string selects AES256GCM.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes256gcm", "aes":
		return AES256GCM, nil
	case "xchacha20-poly1305", "xchacha20poly1305", "xchacha":
		return XChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// KeyMaterial is a secret bound to a key identifier.
// The secret is never exposed through String, logging or serialization.
type KeyMaterial struct {
	id        string
	algorithm Algorithm
	secret    []byte
}

// NewKeyMaterial copies secret into a new KeyMaterial.
func NewKeyMaterial(id string, algorithm Algorithm, secret []byte) (*KeyMaterial, error) {
	if id == "" || len(id) > MaxKeyIDLength {
		return nil, fmt.Errorf("%w: key id must be 1-%d bytes", ErrInvalidKey, MaxKeyIDLength)
	}
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(secret))
	}
	if _, err := newAEAD(algorithm, secret); err != nil {
		return nil, err
	}

	k := &KeyMaterial{id: id, algorithm: algorithm, secret: make([]byte, KeySize)}
	copy(k.secret, secret)
	return k, nil
}

// GenerateKeyMaterial creates a random key for the given identifier.
func GenerateKeyMaterial(id string, algorithm Algorithm) (*KeyMaterial, error) {
	secret := make([]byte, KeySize)
	defer Wipe(secret)

	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeyMaterial(id, algorithm, secret)
}

// ID returns the key identifier.
func (k *KeyMaterial) ID() string { return k.id }

// Algorithm returns the AEAD the key is used with.
func (k *KeyMaterial) Algorithm() Algorithm { return k.algorithm }

// Secret returns a copy of the raw key bytes, for writing key files.
// Callers must zero the returned slice when done.
func (k *KeyMaterial) Secret() []byte {
	out := make([]byte, len(k.secret))
	copy(out, k.secret)
	return out
}

// Zero overwrites the secret. The key is unusable afterwards.
func (k *KeyMaterial) Zero() {
	Wipe(k.secret)
	k.secret = nil
}

// String implements fmt.Stringer without revealing the secret.
func (k *KeyMaterial) String() string {
	return fmt.Sprintf("key(%s, %s)", k.id, k.algorithm)
}

// LogValue implements slog.LogValuer without revealing the secret.
func (k *KeyMaterial) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", k.id),
		slog.String("algorithm", k.algorithm.String()),
	)
}

// MarshalText refuses to serialize key material.
func (k *KeyMaterial) MarshalText() ([]byte, error) {
	return nil, errors.New("key material cannot be serialized")
}

// Wipe overwrites b with zeros. Buffers holding plaintext or key material are
// wiped once no longer needed.
func Wipe(b []byte) {
	clear(b)
}
