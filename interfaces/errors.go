package interfaces

import (
	"errors"
	"fmt"

	"github.com/ruteri/configserver/cryptoutils"
)

var (
	// ErrConfiguration marks a malformed repository configuration. It is fatal
	// for the watcher of that repository only.
	ErrConfiguration = errors.New("configuration error")

	// ErrFetch marks a transient source failure. Watchers retry it with backoff;
	// it never reaches a request.
	ErrFetch = errors.New("fetch error")

	// ErrNotFound is returned when a path does not exist in the current generation,
	// or escapes the repository.
	ErrNotFound = errors.New("not found")

	// ErrUnknownRepository is returned for repository identifiers that are not configured.
	ErrUnknownRepository = fmt.Errorf("%w: unknown repository", ErrNotFound)

	// ErrUnavailable is returned when a repository has never synced or its watcher halted.
	ErrUnavailable = errors.New("repository unavailable")
)

// Decryption errors are defined next to the crypto engine and re-exported here
// so that callers map the whole taxonomy from one package.
var (
	ErrDecrypt               = cryptoutils.ErrDecrypt
	ErrUnknownKey            = cryptoutils.ErrUnknownKey
	ErrAuthenticationFailure = cryptoutils.ErrAuthenticationFailure
)

// IsPermanent reports whether err must stop a watcher instead of being retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
