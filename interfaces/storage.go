package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SourceLocation represents the URI of a repository source.
type SourceLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol, lower case
	Host   string     // Hostname and port
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// Supported source schemes.
var sourceSchemes = map[string]struct{}{
	"file":      {},
	"git":       {},
	"git+file":  {},
	"git+http":  {},
	"git+https": {},
	"git+ssh":   {},
	"s3":        {},
	"ipfs":      {},
	"github":    {},
}

// NewSourceLocation parses and validates a source URI.
// Errors wrap ErrInvalidLocationURI, itself a configuration error.
func NewSourceLocation(uri string) (SourceLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return SourceLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if _, ok := sourceSchemes[scheme]; !ok {
		return SourceLocation{}, fmt.Errorf("%w: unsupported source scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	switch scheme {
	case "file", "git+file":
		if parsed.Path == "" && parsed.Host == "" {
			return SourceLocation{}, fmt.Errorf("%w: empty path in %s", ErrInvalidLocationURI, uri)
		}
	default:
		if parsed.Host == "" {
			return SourceLocation{}, fmt.Errorf("%w: missing host in %s", ErrInvalidLocationURI, redact(parsed))
		}
	}

	return SourceLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the URI with any password redacted.
func (loc SourceLocation) String() string {
	parsed, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Scheme + "://" + loc.Host + loc.Path
	}
	return redact(parsed)
}

// GetParam returns a query parameter value.
func (loc SourceLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc SourceLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

func redact(u *url.URL) string {
	return u.Redacted()
}

// Source fetches the content of one repository.
type Source interface {
	// Fetch materializes the latest content into dst, which must not exist yet.
	// It returns the revision of the materialized content, or ErrNotModified
	// (leaving dst absent) when the source is still at lastRevision.
	Fetch(ctx context.Context, dst string, lastRevision string) (string, error)

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns the redacted URI identifying this source.
	LocationURI() string
}

// SourceFactory creates sources from locations.
type SourceFactory interface {
	// SourceFor creates a source from a location.
	// cacheDir is a private directory the source may use across fetches.
	SourceFor(location SourceLocation, cacheDir string) (Source, error)
}

var (
	// ErrInvalidLocationURI is returned when a source URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = fmt.Errorf("%w: invalid source location URI", ErrConfiguration)

	// ErrNotModified is returned by Source.Fetch when the source has not changed.
	ErrNotModified = errors.New("source not modified")
)
