package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ruteri/configserver/interfaces"
)

// DefaultGitHubAPI is the GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubSource materializes a repository through the GitHub REST API without a
// git client: the ref is resolved to a commit SHA, and the tarball of that
// commit is extracted.
//
// URI format: github://owner/repo?ref=main&token_env=GITHUB_TOKEN
type GitHubSource struct {
	owner       string
	repo        string
	ref         string
	token       string
	apiBase     string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// NewGitHubSource creates a new GitHub source. An empty ref follows the default branch.
func NewGitHubSource(owner, repo, ref, token, apiBase string, client *http.Client, log *slog.Logger) *GitHubSource {
	if ref == "" {
		ref = "HEAD"
	}
	if apiBase == "" {
		apiBase = DefaultGitHubAPI
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &GitHubSource{
		owner:       owner,
		repo:        repo,
		ref:         ref,
		token:       token,
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		client:      client,
		log:         log,
		locationURI: fmt.Sprintf("github://%s/%s?ref=%s", owner, repo, ref),
	}
}

// Fetch resolves the ref and extracts its tarball into dst when it moved.
func (s *GitHubSource) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	sha, err := s.resolveRef(ctx)
	if err != nil {
		return "", err
	}
	if sha == lastRevision {
		return "", interfaces.ErrNotModified
	}

	resp, err := s.get(ctx, fmt.Sprintf("/repos/%s/%s/tarball/%s", s.owner, s.repo, sha), "application/vnd.github+json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := extractTarball(resp.Body, dst); err != nil {
		_ = os.RemoveAll(dst)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: extract tarball of %s: %v", interfaces.ErrFetch, sha, err)
	}

	s.log.Debug("materialized github commit",
		slog.String("repository", s.owner+"/"+s.repo),
		slog.String("revision", sha))
	return sha, nil
}

// resolveRef asks for the bare commit SHA of the ref.
func (s *GitHubSource) resolveRef(ctx context.Context) (string, error) {
	resp, err := s.get(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", s.owner, s.repo, s.ref), "application/vnd.github.sha")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", fmt.Errorf("%w: read commit sha: %v", interfaces.ErrFetch, err)
	}
	sha := strings.TrimSpace(string(body))
	if len(sha) != 40 {
		return "", fmt.Errorf("%w: unexpected commit sha %q", interfaces.ErrFetch, sha)
	}
	return sha, nil
}

func (s *GitHubSource) get(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrFetch, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: github rejected credentials (%s)", interfaces.ErrConfiguration, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s: unexpected status %s", interfaces.ErrFetch, path, resp.Status)
	}
	return resp, nil
}

// extractTarball writes a GitHub tarball into dst, stripping the
// <owner>-<repo>-<sha>/ directory every entry is nested under.
func extractTarball(r io.Reader, dst string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	w, err := newTreeWriter(dst)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = w.extractTar(tar.NewReader(gz))
	return err
}

// Name returns a unique identifier for this source.
func (s *GitHubSource) Name() string {
	return fmt.Sprintf("github-%s-%s", s.owner, s.repo)
}

// LocationURI returns the URI that identifies this source.
func (s *GitHubSource) LocationURI() string {
	return s.locationURI
}
