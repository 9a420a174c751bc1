// Package cryptoutils implements the envelope encryption used to store configuration
// values encrypted at rest in tracked repositories.
//
// An Envelope is a self-describing unit carrying the algorithm tag, the key identifier,
// the nonce, the ciphertext and the authentication tag. Envelopes are committed in an
// armored text form:
//
//	{enc:<base64 of the binary envelope>}
//
// The binary form starts with a fixed magic marker so that serving code can tell an
// encrypted file from a plain one without metadata kept elsewhere.
//
// # Algorithms
//
//   - AES-256-GCM (tag 1), 96-bit nonce
//   - XChaCha20-Poly1305 (tag 2), 192-bit nonce
//
// Nonces are always drawn from crypto/rand inside Encrypt. The envelope header
// (version, algorithm, key identifier) is authenticated as associated data, so an
// envelope relabelled with another key identifier fails to open.
//
// # Errors
//
// Decryption failures wrap ErrDecrypt and are split into ErrUnknownKey (the key
// identifier is not provisioned) and ErrAuthenticationFailure (tampering or corruption,
// including malformed envelopes). Decrypt never returns plaintext when the tag check fails.
//
// # Inline tokens
//
// Plain files may also embed armored envelopes next to clear values. ExpandEnvelopes
// substitutes each token with its plaintext, failing as a whole if any token fails.
package cryptoutils
