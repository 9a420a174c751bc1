// Package interfaces defines the types shared between the configuration server
// components, separating interface definitions from implementations.
//
// # Repository model
//
// RepositoryConfig describes one configured repository: its identifier, the source
// location URI, the poll interval, the key identifier its envelopes are sealed with
// and the local checkout policy. RepositoryStatus is the health view of the watcher
// maintaining that repository, readable without locks by the serving layer.
//
// # Sources
//
// Source is the minimal fetch/materialize contract a repository watcher needs:
//
//	type Source interface {
//	    Fetch(ctx context.Context, dst string, lastRevision string) (string, error)
//	    Name() string
//	    LocationURI() string
//	}
//
// SourceFactory builds sources from URIs such as:
//
//   - file:///srv/config
//   - git+https://github.com/org/config.git?branch=main
//   - s3://bucket/prefix/?region=eu-west-1
//   - ipfs://127.0.0.1:5001/ipns/<name>
//   - github://owner/repo?ref=main
//
// # Errors
//
//   - ErrConfiguration: malformed repository configuration, fatal for one watcher
//   - ErrFetch: transient source failure, retried with backoff
//   - ErrNotFound: path absent from the current generation or rejected
//   - ErrUnavailable: repository never synced or its watcher halted
//   - ErrUnknownKey, ErrAuthenticationFailure: decryption failures (see cryptoutils)
package interfaces
