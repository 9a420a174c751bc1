/*
Package confighandler serves repository files over HTTP.

The Middleware intercepts requests whose first path segment names a configured
repository and answers them from the repository's current generation. Sealed
files are decrypted on the fly: a file holding a single armored envelope is
replaced by its plaintext, and envelopes embedded in a text file are expanded
in place. Every other request is passed to the next handler.

Failures map to a small set of status codes with fixed bodies:

	404  unknown repository, missing file or a path leaving the repository
	503  repository never synced or halted (Retry-After while it may recover)
	500  decryption failed; the body does not say why
	405  methods other than GET and HEAD

The package also exposes the operator status routes under /api/repositories.
*/
package confighandler
