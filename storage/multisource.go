package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/configserver/interfaces"
)

// MultiSource tries an ordered list of mirrors and materializes from the first
// one that succeeds.
type MultiSource struct {
	sources []interfaces.Source
	log     *slog.Logger
}

// NewMultiSource creates a new source with fallback.
func NewMultiSource(sources []interfaces.Source, logger *slog.Logger) *MultiSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiSource{
		sources: sources,
		log:     logger,
	}
}

// Fetch delegates to each mirror in order. A mirror reporting ErrNotModified
// ends the search, as mirrors are expected to serve the same revisions.
// A configuration error of one mirror does not stop the others from being tried;
// it is returned only when every mirror is misconfigured.
func (m *MultiSource) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	start := time.Now()
	var errs []error
	misconfigured := 0

	for _, source := range m.sources {
		revision, err := source.Fetch(ctx, dst, lastRevision)
		if err == nil || errors.Is(err, interfaces.ErrNotModified) {
			if err == nil {
				m.log.Debug("Successfully fetched from mirror",
					slog.String("source_name", source.Name()),
					slog.String("revision", revision),
					slog.Duration("duration", time.Since(start)))
			}
			return revision, err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		// a failed mirror may leave a partial tree behind
		_ = os.RemoveAll(dst)

		if errors.Is(err, interfaces.ErrConfiguration) {
			misconfigured++
		}
		errs = append(errs, fmt.Errorf("%s: %w", source.LocationURI(), err))
		m.log.Debug("Failed to fetch from mirror",
			slog.String("source_name", source.Name()),
			"err", err)
	}

	if len(m.sources) > 0 && misconfigured == len(m.sources) {
		return "", fmt.Errorf("%w: all mirrors misconfigured: %v", interfaces.ErrConfiguration, errors.Join(errs...))
	}
	return "", fmt.Errorf("%w: all mirrors failed: %v", interfaces.ErrFetch, errors.Join(errs...))
}

// Name returns the name of this source.
func (m *MultiSource) Name() string {
	return "multi-source"
}

// LocationURI returns the combined URI of all mirrors.
func (m *MultiSource) LocationURI() string {
	var locations []string
	for _, source := range m.sources {
		locations = append(locations, source.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
