package interfaces

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultPollInterval is used when a repository does not set poll_interval.
const DefaultPollInterval = 30 * time.Second

// MinPollInterval is the shortest accepted poll interval.
const MinPollInterval = time.Second

var reRepositoryName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// ReservedNames are path segments served by the server itself, which therefore
// cannot be used as repository identifiers.
var ReservedNames = map[string]struct{}{
	"api":     {},
	"encrypt": {},
	"livez":   {},
	"readyz":  {},
	"drain":   {},
	"undrain": {},
	"debug":   {},
	"metrics": {},
}

// CheckoutPolicy controls how a repository is laid out in its working area.
type CheckoutPolicy struct {
	// Subpath restricts serving to a subdirectory of the materialized tree.
	Subpath string `yaml:"subpath" json:"subpath,omitempty"`

	// Retain is the number of superseded generations kept on disk once no
	// request references them.
	Retain int `yaml:"retain" json:"retain,omitempty"`
}

// RepositoryConfig describes one configured repository. It is immutable after load.
type RepositoryConfig struct {
	// Name identifies the repository in request paths.
	Name string `yaml:"name" json:"name"`

	// Source is the location URI content is fetched from.
	Source string `yaml:"source" json:"source"`

	// Mirrors are fallback locations tried in order when Source fails.
	Mirrors []string `yaml:"mirrors" json:"mirrors,omitempty"`

	// PollInterval is the delay between successful fetches.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// KeyID names the key envelopes in this repository must be sealed with.
	// Empty means any provisioned key is accepted.
	KeyID string `yaml:"key_id" json:"key_id,omitempty"`

	// Checkout is the local checkout policy.
	Checkout CheckoutPolicy `yaml:"checkout" json:"checkout"`
}

// Validate checks the fields that can be verified without contacting the source.
// The source URI is deliberately not parsed here: a malformed source only
// disables the repository it belongs to.
func (c RepositoryConfig) Validate() error {
	if !reRepositoryName.MatchString(c.Name) {
		return fmt.Errorf("%w: invalid repository name %q", ErrConfiguration, c.Name)
	}
	if _, reserved := ReservedNames[c.Name]; reserved {
		return fmt.Errorf("%w: repository name %q is reserved", ErrConfiguration, c.Name)
	}
	if c.Source == "" {
		return fmt.Errorf("%w: repository %q has no source", ErrConfiguration, c.Name)
	}
	if c.PollInterval != 0 && c.PollInterval < MinPollInterval {
		return fmt.Errorf("%w: repository %q poll interval %s is below %s", ErrConfiguration, c.Name, c.PollInterval, MinPollInterval)
	}
	if c.Checkout.Retain < 0 {
		return fmt.Errorf("%w: repository %q retain must not be negative", ErrConfiguration, c.Name)
	}
	return nil
}

// Interval returns the effective poll interval.
func (c RepositoryConfig) Interval() time.Duration {
	if c.PollInterval == 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// RepositoryState is the health of a repository as seen by its watcher.
type RepositoryState string

const (
	// StatePending means no sync has completed yet.
	StatePending RepositoryState = "pending"

	// StateReady means the last sync succeeded.
	StateReady RepositoryState = "ready"

	// StateFailing means the last sync failed and the watcher is backing off.
	// A previously published generation, if any, is still served.
	StateFailing RepositoryState = "failing"

	// StateHalted means the watcher stopped on an unrecoverable configuration error.
	StateHalted RepositoryState = "halted"
)

// RepositoryStatus is a point-in-time view of a repository watcher.
type RepositoryStatus struct {
	Repository          string          `json:"repository"`
	Source              string          `json:"source"`
	State               RepositoryState `json:"state"`
	Generation          uint64          `json:"generation"`
	Revision            string          `json:"revision,omitempty"`
	LastSync            time.Time       `json:"last_sync,omitempty"`
	LastAttempt         time.Time       `json:"last_attempt,omitempty"`
	NextAttempt         time.Time       `json:"next_attempt,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	Hits                int64           `json:"hits"`
}

// Available reports whether requests can be served from the repository.
func (s RepositoryStatus) Available() bool {
	return s.State != StateHalted && s.Generation > 0
}
