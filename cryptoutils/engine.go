package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrDecrypt is the parent of every decryption failure.
	ErrDecrypt = errors.New("decryption failed")

	// ErrUnknownKey is returned when an envelope names a key the store does not hold.
	// It indicates misconfiguration rather than tampering.
	ErrUnknownKey = fmt.Errorf("%w: unknown key", ErrDecrypt)

	// ErrAuthenticationFailure is returned when the authentication tag does not verify.
	// It indicates tampering or corruption.
	ErrAuthenticationFailure = fmt.Errorf("%w: authentication failure", ErrDecrypt)

	// ErrMalformedEnvelope is returned for envelopes that cannot be parsed.
	// Corrupted envelopes are treated like tampered ones.
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrAuthenticationFailure)
)

// KeyLookup resolves a key identifier to key material.
// Implementations return an error wrapping ErrUnknownKey when the identifier is not held.
type KeyLookup interface {
	Key(keyID string) (*KeyMaterial, error)
}

// Encrypt seals plaintext under key. A fresh random nonce is drawn for every call;
// callers cannot supply one.
func Encrypt(plaintext []byte, key *KeyMaterial) (*Envelope, error) {
	if key == nil || key.secret == nil {
		return nil, ErrInvalidKey
	}

	aead, err := newAEAD(key.algorithm, key.secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := &Envelope{
		Version:   envelopeVersion,
		Algorithm: key.algorithm,
		KeyID:     key.id,
		Nonce:     nonce,
	}

	sealed := aead.Seal(nil, nonce, plaintext, env.header())
	split := len(sealed) - aead.Overhead()
	env.Ciphertext = sealed[:split]
	env.Tag = sealed[split:]
	return env, nil
}

// Decrypt verifies and opens env using the key it names. No plaintext is returned
// unless the authentication tag verifies.
func Decrypt(env *Envelope, keys KeyLookup) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}

	key, err := keys.Key(env.KeyID)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}
	if key.secret == nil {
		return nil, fmt.Errorf("%w: key %q has been released", ErrUnknownKey, env.KeyID)
	}
	if key.algorithm != env.Algorithm {
		return nil, ErrAuthenticationFailure
	}

	aead, err := newAEAD(env.Algorithm, key.secret)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	if len(env.Nonce) != aead.NonceSize() || len(env.Tag) != aead.Overhead() {
		return nil, ErrMalformedEnvelope
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, env.header())
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// EncryptText seals plaintext and returns the armored envelope.
func EncryptText(plaintext []byte, key *KeyMaterial) ([]byte, error) {
	env, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return env.MarshalText()
}

// DecryptText parses an armored envelope and decrypts it.
func DecryptText(text []byte, keys KeyLookup) ([]byte, error) {
	env, err := ParseEnvelope(text)
	if err != nil {
		return nil, err
	}
	return Decrypt(env, keys)
}

// ExpandEnvelopes replaces every armored envelope embedded in data by its plaintext.
// Tokens that do not carry the envelope magic are left untouched. The first failing
// envelope aborts the expansion and nothing is returned.
func ExpandEnvelopes(data []byte, keys KeyLookup) ([]byte, error) {
	var firstErr error
	out := reArmoredToken.ReplaceAllFunc(data, func(token []byte) []byte {
		if firstErr != nil {
			return nil
		}
		if !hasMagic(token[len(armorPrefix) : len(token)-len(armorSuffix)]) {
			return token
		}
		plaintext, err := DecryptText(token, keys)
		if err != nil {
			firstErr = err
			return nil
		}
		return plaintext
	})
	if firstErr != nil {
		Wipe(out)
		return nil, firstErr
	}
	return out, nil
}

func newAEAD(alg Algorithm, secret []byte) (cipher.AEAD, error) {
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(secret)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, alg)
	}
}
