package storage

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/workarea"
)

// treeWriter materializes files under a destination root, refusing entries
// that would land outside of it. Every write goes through an os.Root, and
// parent directories must be real directories: an entry is never created
// through a symlink materialized earlier in the same tree.
type treeWriter struct {
	dir   string
	root  *os.Root
	files int
}

func newTreeWriter(dir string) (*treeWriter, error) {
	if _, err := os.Lstat(dir); err == nil {
		return nil, fmt.Errorf("destination %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	return &treeWriter{dir: dir, root: root}, nil
}

// Close releases the destination root. The materialized tree stays on disk.
func (w *treeWriter) Close() error {
	return w.root.Close()
}

func (w *treeWriter) clean(rel string) (string, error) {
	name, ok := workarea.CleanPath(rel)
	if !ok {
		return "", fmt.Errorf("%w: refusing entry %q outside of the tree", interfaces.ErrFetch, rel)
	}
	return filepath.FromSlash(name), nil
}

// mkdirAll creates every component of name, refusing components that exist
// as anything but a directory.
func (w *treeWriter) mkdirAll(name string) error {
	if name == "." || name == "" {
		return nil
	}
	prefix := ""
	for _, part := range strings.Split(name, string(filepath.Separator)) {
		prefix = filepath.Join(prefix, part)
		info, err := w.root.Lstat(prefix)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return fmt.Errorf("%w: refusing to traverse %q, not a directory", interfaces.ErrFetch, filepath.ToSlash(prefix))
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		if err := w.root.Mkdir(prefix, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile copies r into rel. Executable bits are preserved, everything else
// is made world readable.
func (w *treeWriter) WriteFile(rel string, r io.Reader, executable bool) error {
	name, err := w.clean(rel)
	if err != nil {
		return err
	}
	if err := w.mkdirAll(filepath.Dir(name)); err != nil {
		return err
	}
	if info, err := w.root.Lstat(name); err == nil && !info.Mode().IsRegular() {
		return fmt.Errorf("%w: refusing to overwrite %q", interfaces.ErrFetch, rel)
	}

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	f, err := w.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	w.files++
	return f.Close()
}

// Symlink creates rel pointing at target. Targets escaping the tree are kept
// as is; the working area refuses to follow them.
func (w *treeWriter) Symlink(rel, target string) error {
	name, err := w.clean(rel)
	if err != nil {
		return err
	}
	if err := w.mkdirAll(filepath.Dir(name)); err != nil {
		return err
	}
	// mkdirAll verified every parent is a directory inside the root.
	return os.Symlink(target, filepath.Join(w.dir, name))
}

// Mkdir creates an empty directory.
func (w *treeWriter) Mkdir(rel string) error {
	name, err := w.clean(rel)
	if err != nil {
		return err
	}
	return w.mkdirAll(name)
}

// extractTar writes the entries of a tar stream nested under a single root
// directory, stripping that directory. Metadata entries are skipped.
// It returns false when the stream holds no root directory.
func (w *treeWriter) extractTar(tr *tar.Reader) (bool, error) {
	sawRoot := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return sawRoot, nil
		}
		if err != nil {
			return sawRoot, err
		}

		top, rel, found := strings.Cut(hdr.Name, "/")
		if !found || rel == "" {
			if hdr.Typeflag == tar.TypeDir && top != "" {
				sawRoot = true
			}
			continue
		}
		sawRoot = true

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = w.Mkdir(strings.TrimSuffix(rel, "/"))
		case tar.TypeReg:
			err = w.WriteFile(rel, tr, hdr.FileInfo().Mode().Perm()&0o111 != 0)
		case tar.TypeSymlink:
			err = w.Symlink(rel, hdr.Linkname)
		default:
			// pax headers and other metadata entries
		}
		if err != nil {
			return sawRoot, err
		}
	}
}

// revisionHash digests a listing of (name, version) pairs into a revision.
// Entries must be added in a deterministic order.
type revisionHash struct {
	h hash.Hash
}

func newRevisionHash() *revisionHash {
	return &revisionHash{h: sha256.New()}
}

func (r *revisionHash) Add(fields ...[]byte) {
	var lenBuf [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f)))
		r.h.Write(lenBuf[:])
		r.h.Write(f)
	}
}

func (r *revisionHash) Writer() io.Writer {
	return r.h
}

func (r *revisionHash) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}
