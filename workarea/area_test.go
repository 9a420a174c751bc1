package workarea

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/ruteri/configserver/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArea(t *testing.T, retain int) *Area {
	t.Helper()
	root, err := NewRoot(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	area, err := root.Area("app", retain)
	require.NoError(t, err)
	return area
}

// materialize writes files into a staging directory the way a source would.
func materialize(t *testing.T, s *Staging, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(s.Dir(), filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func publish(t *testing.T, a *Area, revision string, files map[string]string) *Snapshot {
	t.Helper()
	s := a.Stage()
	materialize(t, s, files)
	snap, err := a.Publish(s, revision)
	require.NoError(t, err)
	return snap
}

func TestArea_AcquireBeforePublish(t *testing.T) {
	a := newTestArea(t, 0)
	_, ok := a.Acquire()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), a.Generation())
}

func TestArea_PublishAndRead(t *testing.T) {
	a := newTestArea(t, 0)

	publish(t, a, "rev1", map[string]string{
		"app.yaml":       "level: debug",
		"nested/db.conf": "host=db",
	})

	snap, ok := a.Acquire()
	require.True(t, ok)
	defer snap.Release()

	assert.Equal(t, uint64(1), snap.Generation())
	assert.Equal(t, "rev1", snap.Revision())

	data, err := snap.ReadFile("app.yaml")
	require.NoError(t, err)
	assert.Equal(t, "level: debug", string(data))

	data, err = snap.ReadFile("nested/db.conf")
	require.NoError(t, err)
	assert.Equal(t, "host=db", string(data))

	target, err := os.Readlink(filepath.Join(a.dir, currentLink))
	require.NoError(t, err)
	assert.Equal(t, "gen-1", target)
}

func TestArea_GenerationsIncrease(t *testing.T) {
	a := newTestArea(t, 0)

	var last uint64
	for i := 0; i < 5; i++ {
		snap := publish(t, a, "rev"+strconv.Itoa(i), map[string]string{"v": strconv.Itoa(i)})
		assert.Greater(t, snap.Generation(), last)
		last = snap.Generation()
	}
	assert.Equal(t, last, a.Generation())
}

func TestSnapshot_RejectsEscapes(t *testing.T) {
	a := newTestArea(t, 0)

	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("outside"), 0o600))

	s := a.Stage()
	materialize(t, s, map[string]string{"ok.txt": "ok", "dir/file": "x"})
	require.NoError(t, os.Symlink(outside, filepath.Join(s.Dir(), "escape")))
	require.NoError(t, os.Symlink("ok.txt", filepath.Join(s.Dir(), "inside")))
	_, err := a.Publish(s, "rev")
	require.NoError(t, err)

	snap, ok := a.Acquire()
	require.True(t, ok)
	defer snap.Release()

	testCases := []string{
		"",
		"/etc/passwd",
		"../app.yaml",
		"dir/../../x",
		"escape",
		"dir",
		"missing",
		"a\x00b",
		`dir\..\..\x`,
	}

	for _, rel := range testCases {
		t.Run(fmt.Sprintf("%q", rel), func(t *testing.T) {
			_, err := snap.ReadFile(rel)
			assert.ErrorIs(t, err, interfaces.ErrNotFound)
		})
	}

	data, err := snap.ReadFile("inside")
	require.NoError(t, err, "Symlinks within the generation are followed")
	assert.Equal(t, "ok", string(data))

	data, err = snap.ReadFile("dir/../ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestArea_RetiredGenerationsRemovedAfterRelease(t *testing.T) {
	a := newTestArea(t, 0)

	first := publish(t, a, "rev1", map[string]string{"v": "1"})
	lease, ok := a.Acquire()
	require.True(t, ok)
	require.Same(t, first, lease)

	publish(t, a, "rev2", map[string]string{"v": "2"})

	// the in-flight lease keeps reading generation 1
	data, err := lease.ReadFile("v")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
	assert.DirExists(t, first.Dir())

	lease.Release()
	assert.NoDirExists(t, first.Dir())

	current, ok := a.Acquire()
	require.True(t, ok)
	defer current.Release()
	assert.Equal(t, uint64(2), current.Generation())
	assert.DirExists(t, current.Dir())
}

func TestArea_Retain(t *testing.T) {
	a := newTestArea(t, 2)

	var snaps []*Snapshot
	for i := 1; i <= 5; i++ {
		snaps = append(snaps, publish(t, a, "rev"+strconv.Itoa(i), map[string]string{"v": strconv.Itoa(i)}))
	}

	assert.NoDirExists(t, snaps[0].Dir())
	assert.NoDirExists(t, snaps[1].Dir())
	assert.DirExists(t, snaps[2].Dir())
	assert.DirExists(t, snaps[3].Dir())
	assert.DirExists(t, snaps[4].Dir())
}

func TestStaging_Discard(t *testing.T) {
	a := newTestArea(t, 0)

	s := a.Stage()
	materialize(t, s, map[string]string{"partial": "x"})
	s.Discard()
	assert.NoDirExists(t, s.Dir())

	_, err := a.Publish(s, "rev")
	assert.Error(t, err, "Discarded staging cannot be published")

	_, ok := a.Acquire()
	assert.False(t, ok)

	empty := a.Stage()
	_, err = a.Publish(empty, "rev")
	assert.Error(t, err, "Staging must be materialized before publishing")
}

func TestRoot_AreaCleansLeftovers(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "app", "staging-old")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	cached := filepath.Join(dir, "app", cacheDirName, "objects")
	require.NoError(t, os.MkdirAll(cached, 0o755))

	root, err := NewRoot(dir, slog.Default())
	require.NoError(t, err)
	defer root.Close()

	a, err := root.Area("app", 0)
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, cached)
	assert.Equal(t, filepath.Join(dir, "app", cacheDirName), a.CacheDir())

	same, err := root.Area("app", 0)
	require.NoError(t, err)
	assert.Same(t, a, same)

	_, err = root.Area("../x", 0)
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestRoot_CloseRemovesOwnedTree(t *testing.T) {
	root, err := NewRoot("", slog.Default())
	require.NoError(t, err)
	_, err = root.Area("app", 0)
	require.NoError(t, err)

	require.NoError(t, root.Close())
	assert.NoDirExists(t, root.Dir())
}

// Readers racing with publication always observe one generation in full.
func TestArea_ConcurrentPublishAndRead(t *testing.T) {
	a := newTestArea(t, 0)
	publish(t, a, "rev0", map[string]string{"a": "0", "b": "0"})

	const generations = 100
	const readers = 8

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}

				snap, ok := a.Acquire()
				if !ok {
					errs <- fmt.Errorf("no snapshot")
					return
				}
				first, err1 := snap.ReadFile("a")
				second, err2 := snap.ReadFile("b")
				gen := snap.Generation()
				snap.Release()

				if err1 != nil || err2 != nil {
					errs <- fmt.Errorf("read failed: %v %v", err1, err2)
					return
				}
				if string(first) != string(second) {
					errs <- fmt.Errorf("torn read: %s vs %s", first, second)
					return
				}
				if gen < last {
					errs <- fmt.Errorf("generation went backwards: %d after %d", gen, last)
					return
				}
				last = gen
			}
		}()
	}

	for i := 1; i <= generations; i++ {
		v := strconv.Itoa(i)
		s := a.Stage()
		require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "a"), []byte(v), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "b"), []byte(v), 0o644))
		_, err := a.Publish(s, "rev"+v)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	entries, err := os.ReadDir(a.dir)
	require.NoError(t, err)
	var gens int
	for _, e := range entries {
		if e.IsDir() && e.Name() != cacheDirName {
			gens++
		}
	}
	assert.Equal(t, 1, gens, "Only the current generation remains once leases are released")
}
