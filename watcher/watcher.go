package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/metrics"
	"github.com/ruteri/configserver/workarea"
	"go.uber.org/atomic"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

var allStates = []string{
	string(interfaces.StatePending),
	string(interfaces.StateReady),
	string(interfaces.StateFailing),
	string(interfaces.StateHalted),
}

// SourceBuilder creates the source of a repository.
type SourceBuilder interface {
	SourceForRepository(cfg interfaces.RepositoryConfig, cacheDir string) (interfaces.Source, error)
}

// SourceBuilderFunc adapts a function to SourceBuilder.
type SourceBuilderFunc func(cfg interfaces.RepositoryConfig, cacheDir string) (interfaces.Source, error)

func (f SourceBuilderFunc) SourceForRepository(cfg interfaces.RepositoryConfig, cacheDir string) (interfaces.Source, error) {
	return f(cfg, cacheDir)
}

// Options tunes retry behavior.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	return o
}

// Watcher keeps one repository in sync.
type Watcher struct {
	cfg     interfaces.RepositoryConfig
	builder SourceBuilder
	area    *workarea.Area
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	status atomic.Pointer[interfaces.RepositoryStatus]
	hits   atomic.Int64

	// owned by the Run goroutine
	lastRevision string
	current      interfaces.RepositoryStatus
}

// NewWatcher creates a watcher publishing into area.
func NewWatcher(cfg interfaces.RepositoryConfig, builder SourceBuilder, area *workarea.Area, opts Options, log *slog.Logger, m *metrics.Metrics) *Watcher {
	w := &Watcher{
		cfg:     cfg,
		builder: builder,
		area:    area,
		opts:    opts.withDefaults(),
		log:     log.With(slog.String("repository", cfg.Name)),
		metrics: m,
	}
	w.current = interfaces.RepositoryStatus{
		Repository: cfg.Name,
		Source:     redactedSource(cfg.Source),
		State:      interfaces.StatePending,
	}
	w.storeStatus()
	return w
}

func redactedSource(uri string) string {
	loc, err := interfaces.NewSourceLocation(uri)
	if err != nil {
		return "<invalid>"
	}
	return loc.String()
}

// Config returns the repository configuration.
func (w *Watcher) Config() interfaces.RepositoryConfig {
	return w.cfg
}

// Area returns the working area the watcher publishes into.
func (w *Watcher) Area() *workarea.Area {
	return w.area
}

// Status returns the latest status snapshot. It never blocks.
func (w *Watcher) Status() interfaces.RepositoryStatus {
	s := *w.status.Load()
	s.Hits = w.hits.Load()
	return s
}

// RecordHit counts one served request.
func (w *Watcher) RecordHit() {
	w.hits.Inc()
}

func (w *Watcher) storeStatus() {
	s := w.current
	w.status.Store(&s)
	if w.metrics != nil {
		w.metrics.SetState(w.cfg.Name, string(s.State), allStates)
	}
}

// Run syncs until ctx is cancelled or a configuration error halts the watcher.
func (w *Watcher) Run(ctx context.Context) {
	source, err := w.builder.SourceForRepository(w.cfg, w.area.CacheDir())
	if err != nil {
		w.halt(err)
		return
	}
	w.log.Info("watching repository", slog.String("source", source.LocationURI()))

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     w.opts.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.opts.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	for {
		started := time.Now()
		snap, changed, err := w.syncOnce(ctx, source)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		switch {
		case err == nil:
			bo.Reset()
			delay = w.cfg.Interval()
			w.recordSuccess(started, delay, snap, changed)
		case interfaces.IsPermanent(err):
			w.halt(err)
			return
		default:
			delay = bo.NextBackOff()
			w.recordFailure(started, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// syncOnce runs one fetch cycle. Panics in the source are turned into fetch
// errors so that one bad fetch cannot take the process down.
func (w *Watcher) syncOnce(ctx context.Context, source interfaces.Source) (snap *workarea.Snapshot, changed bool, err error) {
	if w.metrics != nil {
		w.metrics.SyncAttempts.WithLabelValues(w.cfg.Name).Inc()
	}

	staging := w.area.Stage()
	defer staging.Discard()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovered panic during fetch",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			snap, changed, err = nil, false, fmt.Errorf("%w: panic during fetch: %v", interfaces.ErrFetch, r)
		}
	}()

	revision, err := source.Fetch(ctx, staging.Dir(), w.lastRevision)
	if errors.Is(err, interfaces.ErrNotModified) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// a fetch completing after cancellation is never published
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	snap, err = w.area.Publish(staging, revision)
	if err != nil {
		return nil, false, fmt.Errorf("%w: publish: %v", interfaces.ErrFetch, err)
	}
	w.lastRevision = revision
	return snap, true, nil
}

func (w *Watcher) recordSuccess(started time.Time, delay time.Duration, snap *workarea.Snapshot, changed bool) {
	if changed {
		w.current.Generation = snap.Generation()
		w.current.Revision = snap.Revision()
		w.log.Info("published new generation",
			slog.Uint64("generation", snap.Generation()),
			slog.String("revision", snap.Revision()),
			slog.Duration("duration", time.Since(started)))
	} else {
		w.log.Debug("repository not modified", slog.String("revision", w.lastRevision))
	}

	if w.current.ConsecutiveFailures > 0 {
		w.log.Info("repository recovered", slog.Int("failures", w.current.ConsecutiveFailures))
	}

	w.current.State = interfaces.StateReady
	w.current.LastSync = time.Now()
	w.current.LastAttempt = started
	w.current.NextAttempt = time.Now().Add(delay)
	w.current.ConsecutiveFailures = 0
	w.current.LastError = ""
	w.storeStatus()

	if w.metrics != nil {
		w.metrics.Generation.WithLabelValues(w.cfg.Name).Set(float64(w.current.Generation))
		w.metrics.BackoffSeconds.WithLabelValues(w.cfg.Name).Set(0)
	}
}

func (w *Watcher) recordFailure(started time.Time, delay time.Duration, err error) {
	w.current.State = interfaces.StateFailing
	w.current.LastAttempt = started
	w.current.NextAttempt = time.Now().Add(delay)
	w.current.ConsecutiveFailures++
	w.current.LastError = err.Error()
	w.storeStatus()

	w.log.Warn("repository sync failed",
		slog.Int("failures", w.current.ConsecutiveFailures),
		slog.Duration("retry_in", delay),
		"err", err)

	if w.metrics != nil {
		w.metrics.SyncFailures.WithLabelValues(w.cfg.Name).Inc()
		w.metrics.BackoffSeconds.WithLabelValues(w.cfg.Name).Set(delay.Seconds())
	}
}

func (w *Watcher) halt(err error) {
	w.current.State = interfaces.StateHalted
	w.current.LastAttempt = time.Now()
	w.current.NextAttempt = time.Time{}
	w.current.LastError = err.Error()
	w.storeStatus()

	w.log.Error("repository misconfigured, watcher halted", "err", err)
}
