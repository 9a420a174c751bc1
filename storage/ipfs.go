package storage

import (
	"archive/tar"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/configserver/interfaces"
)

// IPFSSource materializes a directory published on IPFS through a node's HTTP API.
// Mutable content follows an IPNS name; the revision is the resolved /ipfs path,
// so republishing the same directory is not a change.
//
// URI format: ipfs://host:port/ipns/<name>?timeout=30s or ipfs://host:port/ipfs/<cid>
type IPFSSource struct {
	shell       *shell.Shell
	path        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSSource creates a new IPFS source connected to the node at host:port.
func NewIPFSSource(host, port, contentPath string, timeout time.Duration, log *slog.Logger) (*IPFSSource, error) {
	if !strings.HasPrefix(contentPath, "/ipfs/") && !strings.HasPrefix(contentPath, "/ipns/") {
		return nil, fmt.Errorf("%w: ipfs path must start with /ipfs/ or /ipns/, got %q", interfaces.ErrConfiguration, contentPath)
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSSource{
		shell:       sh,
		path:        strings.TrimSuffix(contentPath, "/"),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, contentPath),
	}, nil
}

type resolveResponse struct {
	Path string
}

// Fetch resolves the content path and downloads it into dst when it changed.
func (s *IPFSSource) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	var resolved resolveResponse
	if err := s.shell.Request("resolve", s.path).Exec(ctx, &resolved); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: resolve %s: %v", interfaces.ErrFetch, s.path, err)
	}
	if resolved.Path == "" {
		return "", fmt.Errorf("%w: %s resolved to an empty path", interfaces.ErrFetch, s.path)
	}

	if resolved.Path == lastRevision {
		return "", interfaces.ErrNotModified
	}

	if err := s.get(ctx, resolved.Path, dst); err != nil {
		_ = os.RemoveAll(dst)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	s.log.Debug("materialized ipfs directory",
		slog.String("path", s.path),
		slog.String("revision", resolved.Path))
	return resolved.Path, nil
}

// get downloads path as a tar stream and extracts it into dst. Shell.Get is
// not used: it takes no context, so a stopping watcher would wait for the
// whole download, and it extracts without the tree writer's confinement.
func (s *IPFSSource) get(ctx context.Context, path, dst string) error {
	resp, err := s.shell.Request("get", path).Option("create", true).Send(ctx)
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", interfaces.ErrFetch, path, err)
	}
	defer resp.Close()
	if resp.Error != nil {
		return fmt.Errorf("%w: get %s: %v", interfaces.ErrFetch, path, resp.Error)
	}

	w, err := newTreeWriter(dst)
	if err != nil {
		return err
	}
	defer w.Close()

	isDir, err := w.extractTar(tar.NewReader(resp.Output))
	if err != nil {
		return fmt.Errorf("%w: extract %s: %v", interfaces.ErrFetch, path, err)
	}
	if !isDir {
		return fmt.Errorf("%w: %s is not a directory", interfaces.ErrConfiguration, path)
	}
	return nil
}

// Name returns a unique identifier for this source.
func (s *IPFSSource) Name() string {
	return "ipfs"
}

// LocationURI returns the URI that identifies this source.
func (s *IPFSSource) LocationURI() string {
	return s.locationURI
}
