package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ruteri/configserver/interfaces"
)

// FileSource materializes a local directory tree.
// The revision is a SHA-256 digest over the sorted paths and file contents, so an
// unchanged tree yields interfaces.ErrNotModified.
type FileSource struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileSource creates a source reading from baseDir.
func NewFileSource(baseDir string, log *slog.Logger) *FileSource {
	return &FileSource{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}
}

// Fetch copies the tree into dst, digesting it on the way.
func (s *FileSource) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrFetch, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", interfaces.ErrConfiguration, s.baseDir)
	}

	w, err := newTreeWriter(dst)
	if err != nil {
		return "", err
	}
	defer w.Close()

	rev := newRevisionHash()
	// WalkDir visits entries in lexical order, which keeps the digest stable.
	err = filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == s.baseDir {
			return nil
		}

		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			rev.Add([]byte("d"), []byte(rel))
			return w.Mkdir(rel)
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			rev.Add([]byte("l"), []byte(rel), []byte(target))
			return w.Symlink(rel, target)
		case d.Type().IsRegular():
			return s.copyFile(w, rev, path, rel, d)
		default:
			s.log.Debug("skipping special file", slog.String("path", rel))
			return nil
		}
	})
	if err != nil {
		_ = os.RemoveAll(dst)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: failed to copy %s: %v", interfaces.ErrFetch, s.baseDir, err)
	}

	revision := rev.Sum()
	if revision == lastRevision {
		_ = os.RemoveAll(dst)
		return "", interfaces.ErrNotModified
	}

	s.log.Debug("materialized directory",
		slog.String("source", s.baseDir),
		slog.Int("files", w.files),
		slog.String("revision", revision))
	return revision, nil
}

func (s *FileSource) copyFile(w *treeWriter, rev *revisionHash, path, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rev.Add([]byte("f"), []byte(rel), []byte(strconv.FormatInt(info.Size(), 10)))
	tee := io.TeeReader(f, rev.Writer())
	return w.WriteFile(rel, tee, info.Mode().Perm()&0o111 != 0)
}

// Name returns a unique identifier for this source.
func (s *FileSource) Name() string {
	return "file"
}

// LocationURI returns the URI that identifies this source.
func (s *FileSource) LocationURI() string {
	return s.locationURI
}
