package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/metrics"
	"github.com/ruteri/configserver/workarea"
)

// Manager runs one Watcher per configured repository.
// The set of repositories is fixed at construction.
type Manager struct {
	watchers map[string]*Watcher
	order    []string
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates the areas and watchers of repos. Repository names must be
// unique; sources are not contacted until Start.
func NewManager(repos []interfaces.RepositoryConfig, root *workarea.Root, builder SourceBuilder, opts Options, log *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	mgr := &Manager{
		watchers: make(map[string]*Watcher, len(repos)),
		log:      log,
	}

	for _, cfg := range repos {
		if _, exists := mgr.watchers[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate repository %q", interfaces.ErrConfiguration, cfg.Name)
		}
		area, err := root.Area(cfg.Name, cfg.Checkout.Retain)
		if err != nil {
			return nil, err
		}
		mgr.watchers[cfg.Name] = NewWatcher(cfg, builder, area, opts, log, m)
		mgr.order = append(mgr.order, cfg.Name)
	}
	return mgr, nil
}

// Start spawns the watchers. It returns immediately; repositories become
// available as their first sync completes.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, name := range m.order {
		w := m.watchers[name]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run(ctx)
		}()
	}
	m.log.Info("started repository watchers", slog.Int("count", len(m.order)))
}

// Stop cancels every watcher and waits for them to return. In-flight fetches
// are abandoned and their staging directories removed.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Repository returns the configuration of a repository.
func (m *Manager) Repository(name string) (interfaces.RepositoryConfig, bool) {
	w, ok := m.watchers[name]
	if !ok {
		return interfaces.RepositoryConfig{}, false
	}
	return w.Config(), true
}

// Has reports whether name is a configured repository.
func (m *Manager) Has(name string) bool {
	_, ok := m.watchers[name]
	return ok
}

// Status returns the status of a repository.
func (m *Manager) Status(name string) (interfaces.RepositoryStatus, bool) {
	w, ok := m.watchers[name]
	if !ok {
		return interfaces.RepositoryStatus{}, false
	}
	return w.Status(), true
}

// Statuses returns the status of every repository in configuration order.
func (m *Manager) Statuses() []interfaces.RepositoryStatus {
	out := make([]interfaces.RepositoryStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.watchers[name].Status())
	}
	return out
}

// Area returns the working area of a repository.
func (m *Manager) Area(name string) (*workarea.Area, bool) {
	w, ok := m.watchers[name]
	if !ok {
		return nil, false
	}
	return w.Area(), true
}

// RecordHit counts a served request against a repository.
func (m *Manager) RecordHit(name string) {
	if w, ok := m.watchers[name]; ok {
		w.RecordHit()
	}
}
