package workarea

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/configserver/interfaces"
	"go.uber.org/atomic"
)

const (
	cacheDirName   = "cache"
	currentLink    = "current"
	stagingPrefix  = "staging-"
	generationFmt  = "gen-%d"
	symlinkTmpBase = ".current-"
)

// Root is the directory holding every repository area.
type Root struct {
	dir   string
	owned bool
	log   *slog.Logger

	mu    sync.Mutex
	areas map[string]*Area
}

// NewRoot opens dir as the working area root. An empty dir creates a private
// temporary directory that Close removes.
func NewRoot(dir string, log *slog.Logger) (*Root, error) {
	owned := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "configserver-")
		if err != nil {
			return nil, fmt.Errorf("failed to create working area: %w", err)
		}
		dir, owned = tmp, true
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create working area: %w", err)
	}

	return &Root{
		dir:   dir,
		owned: owned,
		log:   log,
		areas: make(map[string]*Area),
	}, nil
}

// Dir returns the root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Area returns the area of a repository, creating it on first use.
// Leftovers of a previous process in the area directory are removed, except for
// the source cache.
func (r *Root) Area(name string, retain int) (*Area, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.areas[name]; ok {
		return a, nil
	}
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid area name %q", interfaces.ErrConfiguration, name)
	}

	dir := filepath.Join(r.dir, name)
	if err := os.MkdirAll(filepath.Join(dir, cacheDirName), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create area %s: %w", name, err)
	}
	if err := cleanArea(dir); err != nil {
		return nil, err
	}

	a := &Area{
		name:   name,
		dir:    dir,
		retain: retain,
		log:    r.log.With(slog.String("repository", name)),
	}
	r.areas[name] = a
	return a, nil
}

// Close releases every area. The directory tree is removed when the root was
// created by NewRoot.
func (r *Root) Close() error {
	r.mu.Lock()
	areas := r.areas
	r.areas = make(map[string]*Area)
	r.mu.Unlock()

	for _, a := range areas {
		a.close()
	}
	if r.owned {
		return os.RemoveAll(r.dir)
	}
	return nil
}

func cleanArea(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read area: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == cacheDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to clean area: %w", err)
		}
	}
	return nil
}

// Area holds the generations of one repository.
type Area struct {
	name   string
	dir    string
	retain int
	log    *slog.Logger

	current atomic.Pointer[Snapshot]

	// mu serializes publication and garbage collection. Readers never take it.
	mu         sync.Mutex
	generation uint64
	retired    []*Snapshot
	closed     bool
}

// Name returns the repository name.
func (a *Area) Name() string {
	return a.name
}

// CacheDir returns a directory that persists across generations.
func (a *Area) CacheDir() string {
	return filepath.Join(a.dir, cacheDirName)
}

// Staging is a side directory a fetch is materialized into.
type Staging struct {
	area *Area
	dir  string
	done bool
}

// Stage reserves a fresh staging directory. The directory itself is not
// created; the source materializing into it does that.
func (a *Area) Stage() *Staging {
	return &Staging{
		area: a,
		dir:  filepath.Join(a.dir, stagingPrefix+uuid.NewString()),
	}
}

// Dir returns the staging directory path.
func (s *Staging) Dir() string {
	return s.dir
}

// Discard removes the staging directory. It is a no-op after Publish.
func (s *Staging) Discard() {
	if s.done {
		return
	}
	s.done = true
	if err := os.RemoveAll(s.dir); err != nil {
		s.area.log.Warn("failed to remove staging directory", slog.String("dir", s.dir), "err", err)
	}
}

// Publish turns staging into the next generation and makes it current. Requests
// that start after Publish returns see the new generation; requests holding a
// lease on the previous one keep reading it until they release it.
func (a *Area) Publish(s *Staging, revision string) (*Snapshot, error) {
	if s.done {
		return nil, errors.New("staging already published or discarded")
	}
	if s.area != a {
		return nil, errors.New("staging belongs to another area")
	}

	info, err := os.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("staging directory was not materialized: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("area closed")
	}

	generation := a.generation + 1
	genName := fmt.Sprintf(generationFmt, generation)
	genDir := filepath.Join(a.dir, genName)

	if err := os.Rename(s.dir, genDir); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to move staging into place: %w", err)
	}
	s.done = true

	root, err := os.OpenRoot(genDir)
	if err != nil {
		a.mu.Unlock()
		_ = os.RemoveAll(genDir)
		return nil, fmt.Errorf("failed to open generation: %w", err)
	}

	if err := a.swapLink(genName); err != nil {
		a.mu.Unlock()
		root.Close()
		_ = os.RemoveAll(genDir)
		return nil, err
	}

	snap := &Snapshot{
		area:        a,
		generation:  generation,
		revision:    revision,
		dir:         genDir,
		root:        root,
		publishedAt: time.Now(),
	}
	// the area itself holds one reference while the snapshot is current
	snap.refs.Store(1)

	a.generation = generation
	previous := a.current.Swap(snap)
	if previous != nil {
		a.retired = append(a.retired, previous)
	}
	a.mu.Unlock()

	if previous != nil {
		previous.Release()
	}

	a.log.Debug("published generation",
		slog.Uint64("generation", generation),
		slog.String("revision", revision))
	return snap, nil
}

// swapLink atomically points the current symlink at target.
func (a *Area) swapLink(target string) error {
	tmp := filepath.Join(a.dir, symlinkTmpBase+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create current link: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(a.dir, currentLink)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to swap current link: %w", err)
	}
	return nil
}

// Acquire leases the current snapshot. It returns false when nothing has been
// published yet. The caller must Release the snapshot.
func (a *Area) Acquire() (*Snapshot, bool) {
	for {
		snap := a.current.Load()
		if snap == nil {
			return nil, false
		}
		if !snap.tryRetain() {
			// retired and collected between Load and retain
			continue
		}
		if a.current.Load() == snap {
			return snap, true
		}
		// superseded while retaining; take the newer generation
		snap.Release()
	}
}

// Generation returns the current generation number, 0 before the first publish.
func (a *Area) Generation() uint64 {
	if snap := a.current.Load(); snap != nil {
		return snap.generation
	}
	return 0
}

// collect removes retired generations nobody references, keeping the newest
// retain of them on disk.
func (a *Area) collect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var referenced, idle []*Snapshot
	for _, s := range a.retired {
		if s.refs.Load() > 0 {
			referenced = append(referenced, s)
		} else {
			idle = append(idle, s)
		}
	}

	sort.Slice(idle, func(i, j int) bool { return idle[i].generation < idle[j].generation })
	for len(idle) > a.retain {
		idle[0].remove()
		idle = idle[1:]
	}
	a.retired = append(referenced, idle...)
}

func (a *Area) close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if snap := a.current.Load(); snap != nil {
		snap.root.Close()
	}
	for _, s := range a.retired {
		s.root.Close()
	}
}

// Snapshot is one published generation of a repository.
type Snapshot struct {
	area        *Area
	generation  uint64
	revision    string
	dir         string
	root        *os.Root
	publishedAt time.Time

	refs       atomic.Int64
	removeOnce sync.Once
}

// Generation returns the generation number.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Revision returns the source revision the generation was materialized from.
func (s *Snapshot) Revision() string { return s.revision }

// PublishedAt returns the publication time.
func (s *Snapshot) PublishedAt() time.Time { return s.publishedAt }

// Dir returns the generation directory.
func (s *Snapshot) Dir() string { return s.dir }

func (s *Snapshot) tryRetain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release ends a lease obtained from Acquire.
func (s *Snapshot) Release() {
	if s.refs.Dec() == 0 {
		s.area.collect()
	}
}

func (s *Snapshot) remove() {
	s.removeOnce.Do(func() {
		s.root.Close()
		if err := os.RemoveAll(s.dir); err != nil {
			s.area.log.Warn("failed to remove generation",
				slog.Uint64("generation", s.generation), "err", err)
			return
		}
		s.area.log.Debug("removed generation", slog.Uint64("generation", s.generation))
	})
}

// ReadFile reads a regular file of the generation. rel is slash separated and
// relative to the generation root. Absolute paths, paths escaping the
// generation, symlinks leading outside it and directories all yield
// interfaces.ErrNotFound.
func (s *Snapshot) ReadFile(rel string) ([]byte, error) {
	name, ok := CleanPath(rel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrNotFound, rel)
	}

	f, err := s.root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrNotFound, rel)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a file", interfaces.ErrNotFound, rel)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", rel, err)
	}
	return data, nil
}

// CleanPath converts a slash separated request path into a local file path.
// It reports false for empty, absolute or escaping paths.
func CleanPath(rel string) (string, bool) {
	if rel == "" || strings.ContainsRune(rel, 0) || strings.Contains(rel, "\\") {
		return "", false
	}
	name := filepath.FromSlash(rel)
	if !filepath.IsLocal(name) {
		return "", false
	}
	return filepath.Clean(name), true
}
