// Package metrics exposes Prometheus collectors for repository synchronization
// and request serving, and the server publishing them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector of the server.
type Metrics struct {
	SyncAttempts    *prometheus.CounterVec
	SyncFailures    *prometheus.CounterVec
	Generation      *prometheus.GaugeVec
	BackoffSeconds  *prometheus.GaugeVec
	RepositoryState *prometheus.GaugeVec
	Requests        *prometheus.CounterVec
	Decryptions     *prometheus.CounterVec
	Encryptions     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors, for tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Repository fetch attempts.",
		}, []string{"repository"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Failed repository fetch attempts.",
		}, []string{"repository"}),
		Generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repository_generation",
			Help:      "Currently served generation of a repository.",
		}, []string{"repository"}),
		BackoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_backoff_seconds",
			Help:      "Current retry delay of a failing repository, 0 when healthy.",
		}, []string{"repository"}),
		RepositoryState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repository_state",
			Help:      "1 for the current state of a repository, 0 otherwise.",
		}, []string{"repository", "state"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_requests_total",
			Help:      "Configuration requests by status code.",
		}, []string{"repository", "code"}),
		Decryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryptions_total",
			Help:      "Envelope decryptions at serve time by result.",
		}, []string{"repository", "result"}),
		Encryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encryptions_total",
			Help:      "Encrypt endpoint calls by key.",
		}, []string{"key_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SyncAttempts,
			m.SyncFailures,
			m.Generation,
			m.BackoffSeconds,
			m.RepositoryState,
			m.Requests,
			m.Decryptions,
			m.Encryptions,
		)
	}
	return m
}

// SetState marks state as the current state of repository.
func (m *Metrics) SetState(repository string, state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.RepositoryState.WithLabelValues(repository, s).Set(value)
	}
}

// MetricsServer serves the collectors over HTTP.
type MetricsServer struct {
	Registry *prometheus.Registry
	Metrics  *Metrics

	srv *http.Server
}

// New creates a registry with runtime collectors and the server metrics, served
// on addr at /metrics.
func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		Registry: reg,
		Metrics:  NewMetrics(namespace, reg),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
