// Package storage provides the sources repository content is fetched from.
//
// Every source implements interfaces.Source: Fetch materializes the complete tree
// of the latest revision into a directory that does not exist yet, or reports
// interfaces.ErrNotModified when the source is still at the revision last
// published. Sources never touch the published generations; the working area
// moves a materialized tree into place.
//
// # Source URI Format
//
// Sources are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///srv/config - Local directory tree
//   - git+https://github.com/org/config.git?branch=main - Git repository (go-git)
//   - git+ssh://git@host/org/config.git?ssh_key=/etc/keys/id_ed25519
//   - s3://bucket/prefix/?region=eu-west-1&endpoint=http://minio:9000
//   - ipfs://127.0.0.1:5001/ipns/<name>
//   - github://owner/repo?ref=main&token_env=GITHUB_TOKEN
//
// Revisions are source specific: commit hashes for git and GitHub, resolved
// /ipfs paths for IPFS, content digests for directories and buckets.
//
// # Mirrors
//
// MultiSource wraps an ordered list of mirrors and materializes from the first
// one that succeeds. SourceFactory.SourceForRepository builds it from the
// repository configuration.
//
// # Errors
//
// Transient failures wrap interfaces.ErrFetch and are retried by the watcher.
// Failures no retry can fix, such as unsupported schemes or rejected
// credentials, wrap interfaces.ErrConfiguration.
package storage
