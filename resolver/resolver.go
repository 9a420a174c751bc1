// Package resolver maps a (repository, path) request to file content of the
// repository's current generation and classifies it for the serving layer.
package resolver

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/workarea"
)

// Kind classifies resolved content.
type Kind int

const (
	// KindPlain content is served as is.
	KindPlain Kind = iota
	// KindEnvelope content is one armored envelope, decrypted as a whole.
	KindEnvelope
	// KindTemplate content is plain text embedding armored envelopes, each
	// replaced by its plaintext.
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindEnvelope:
		return "envelope"
	case KindTemplate:
		return "template"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ResolvedContent is a file read from one generation.
type ResolvedContent struct {
	Repository string
	Path       string
	Data       []byte
	Kind       Kind
	Generation uint64
	Revision   string

	// KeyID is the key the repository requires envelopes to be sealed with,
	// empty when any provisioned key is accepted.
	KeyID string
}

// Repositories is the view of the watcher manager the resolver needs.
type Repositories interface {
	Repository(name string) (interfaces.RepositoryConfig, bool)
	Status(name string) (interfaces.RepositoryStatus, bool)
	Area(name string) (*workarea.Area, bool)
	RecordHit(name string)
}

// Resolver reads configuration files from published generations.
type Resolver struct {
	repos Repositories
}

func New(repos Repositories) *Resolver {
	return &Resolver{repos: repos}
}

// Resolve reads filePath from the current generation of repository.
//
// Unknown repositories and missing or rejected paths wrap interfaces.ErrNotFound.
// Repositories that never synced, or whose watcher halted, wrap
// interfaces.ErrUnavailable. The whole read happens against one leased
// generation, so a concurrent publish never yields a mix of two.
func (r *Resolver) Resolve(repository, filePath string) (*ResolvedContent, error) {
	cfg, ok := r.repos.Repository(repository)
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnknownRepository, repository)
	}

	status, _ := r.repos.Status(repository)
	if status.State == interfaces.StateHalted {
		return nil, fmt.Errorf("%w: %q is halted", interfaces.ErrUnavailable, repository)
	}

	area, ok := r.repos.Area(repository)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no working area", interfaces.ErrUnavailable, repository)
	}

	snap, ok := area.Acquire()
	if !ok {
		return nil, fmt.Errorf("%w: %q has not synced yet", interfaces.ErrUnavailable, repository)
	}
	defer snap.Release()

	// Path checks come after availability: nothing under a repository that
	// never synced is served, whatever the path.
	rel, ok := workarea.CleanPath(filePath)
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrNotFound, filePath)
	}
	if cfg.Checkout.Subpath != "" {
		rel = path.Join(strings.Trim(cfg.Checkout.Subpath, "/"), rel)
	}

	data, err := snap.ReadFile(rel)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrNotFound, repository, filePath)
		}
		return nil, err
	}

	r.repos.RecordHit(repository)
	return &ResolvedContent{
		Repository: repository,
		Path:       filePath,
		Data:       data,
		Kind:       Classify(data),
		Generation: snap.Generation(),
		Revision:   snap.Revision(),
		KeyID:      cfg.KeyID,
	}, nil
}

// Classify determines how content must be served.
func Classify(data []byte) Kind {
	switch {
	case cryptoutils.LooksLikeEnvelope(data):
		return KindEnvelope
	case cryptoutils.ContainsEnvelopes(data):
		return KindTemplate
	default:
		return KindPlain
	}
}
