/*
Package servers wires the configuration server HTTP surface.

The Server routes every request through the request logger, a panic recoverer
and the configuration Middleware, which answers requests addressed to a
configured repository. Remaining requests reach the registered route handlers
(encrypt endpoint, repository statuses) and the probes:

  - /livez always reports alive
  - /readyz reports ready unless the server is draining
  - /drain and /undrain toggle readiness for load balancers

When enabled, pprof is mounted under /debug. Metrics are served by a separate
listener on MetricsAddr.

# Lifecycle

	srv, err := servers.New(cfg, metricsSrv, configHandler, encryptHandler)
	if err != nil {
	    return err
	}
	srv.RunInBackground()
	<-exit
	srv.Drain()
	srv.Shutdown()
*/
package servers
