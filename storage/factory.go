package storage

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/configserver/interfaces"
)

// SourceFactory creates sources from location URIs.
type SourceFactory struct {
	log        *slog.Logger
	httpClient *http.Client
	githubAPI  string
}

var _ interfaces.SourceFactory = (*SourceFactory)(nil)

// FactoryOption configures a SourceFactory.
type FactoryOption func(*SourceFactory)

// WithHTTPClient sets the client used by HTTP based sources.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(sf *SourceFactory) { sf.httpClient = client }
}

// WithGitHubAPI overrides the GitHub REST endpoint, for GitHub Enterprise.
func WithGitHubAPI(base string) FactoryOption {
	return func(sf *SourceFactory) { sf.githubAPI = base }
}

// NewSourceFactory creates a new factory instance.
func NewSourceFactory(logger *slog.Logger, opts ...FactoryOption) *SourceFactory {
	sf := &SourceFactory{
		log:       logger,
		githubAPI: DefaultGitHubAPI,
	}
	for _, opt := range opts {
		opt(sf)
	}
	return sf
}

// SourceFor creates a source from a location.
//
// Supported schemes:
//   - file:// - Local directory tree
//   - git://, git+https://, git+http://, git+ssh://, git+file:// - Git repository
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS directory, optionally behind an IPNS name
//   - github:// - GitHub repository through the REST API
//
// Errors wrap interfaces.ErrConfiguration.
func (sf *SourceFactory) SourceFor(loc interfaces.SourceLocation, cacheDir string) (interfaces.Source, error) {
	sf.log.Debug("Creating source", slog.String("uri", loc.String()))

	switch loc.Scheme {
	case "file":
		return sf.createFileSource(loc)
	case "git", "git+https", "git+http", "git+ssh", "git+file":
		return NewGitSource(loc, cacheDir, sf.log)
	case "s3":
		return sf.createS3Source(loc)
	case "ipfs":
		return sf.createIPFSSource(loc)
	case "github":
		return sf.createGitHubSource(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported source scheme: %s", interfaces.ErrConfiguration, loc.Scheme)
	}
}

// SourceForRepository builds the source of a repository, wrapping it and its
// mirrors in a MultiSource when mirrors are configured. Each mirror gets its
// own subdirectory of cacheDir.
func (sf *SourceFactory) SourceForRepository(cfg interfaces.RepositoryConfig, cacheDir string) (interfaces.Source, error) {
	uris := append([]string{cfg.Source}, cfg.Mirrors...)

	sources := make([]interfaces.Source, 0, len(uris))
	for i, uri := range uris {
		loc, err := interfaces.NewSourceLocation(uri)
		if err != nil {
			return nil, err
		}

		dir := cacheDir
		if len(uris) > 1 {
			dir = filepath.Join(cacheDir, strconv.Itoa(i))
		}
		source, err := sf.SourceFor(loc, dir)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if len(sources) == 1 {
		return sources[0], nil
	}
	return NewMultiSource(sources, sf.log), nil
}

// createFileSource creates a directory source.
// URI format: file:///absolute/path or file://./relative/path
func (sf *SourceFactory) createFileSource(loc interfaces.SourceLocation) (interfaces.Source, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrConfiguration, loc)
	}

	return NewFileSource(filepath.Clean(path), sf.log), nil
}

// createS3Source creates an S3 or S3-compatible source.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *SourceFactory) createS3Source(loc interfaces.SourceLocation) (interfaces.Source, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	var accessKey, secretKey string
	if loc.User != nil {
		accessKey = loc.User.Username()
		secretKey, _ = loc.User.Password()
	}

	return NewS3Source(loc.Host, loc.Path, region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createIPFSSource creates an IPFS source.
// URI format: ipfs://host:port/ipns/<name>?timeout=30s
func (sf *SourceFactory) createIPFSSource(loc interfaces.SourceLocation) (interfaces.Source, error) {
	host, port := loc.Host, "5001" // Default IPFS API port
	if h, p, ok := strings.Cut(loc.Host, ":"); ok {
		host, port = h, p
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ipfs timeout %q", interfaces.ErrConfiguration, raw)
		}
		timeout = d
	}

	return NewIPFSSource(host, port, loc.Path, timeout, sf.log)
}

// createGitHubSource creates a GitHub REST source.
// URI format: github://owner/repo?ref=main&token_env=GITHUB_TOKEN
func (sf *SourceFactory) createGitHubSource(loc interfaces.SourceLocation) (interfaces.Source, error) {
	owner := loc.Host
	repo := strings.Trim(loc.Path, "/")
	if owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: invalid GitHub URI format, expected github://owner/repo", interfaces.ErrConfiguration)
	}

	var token string
	if env := loc.GetParam("token_env"); env != "" {
		token = os.Getenv(env)
		if token == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", interfaces.ErrConfiguration, env)
		}
	}

	return NewGitHubSource(owner, repo, loc.GetParam("ref"), token, sf.githubAPI, sf.httpClient, sf.log), nil
}
