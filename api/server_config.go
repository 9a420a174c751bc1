package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the configuration server listeners.
type HTTPServerConfig struct {
	// ListenAddr serves configuration files, the encrypt endpoint and probes.
	ListenAddr string

	// MetricsAddr serves /metrics. Empty disables the metrics listener.
	MetricsAddr string

	// EnablePprof mounts pprof under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long a draining server keeps answering before
	// Shutdown, so that load balancers observe /readyz failing first.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultHTTPServerConfig returns the timeouts used by the configserver binary.
func DefaultHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadHeaderTimeout:        10 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		IdleTimeout:              2 * time.Minute,
	}
}
