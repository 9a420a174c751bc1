/*
Package clients provides the HTTP client for the configuration server.

ConfigServerClient covers the operator and application facing endpoints:

  - Encrypt seals a value with a server-held key
  - Get fetches a configuration file, decrypted by the server
  - Repositories lists repository statuses

Non-200 responses are returned as *StatusError. A 404 matches
interfaces.ErrNotFound and a 503 matches interfaces.ErrUnavailable under
errors.Is, so that callers can tell a missing file from a repository that is
still syncing:

	file, err := client.Get(ctx, "payments", "db.conf")
	if errors.Is(err, interfaces.ErrUnavailable) {
	    // retry later
	}
*/
package clients
