package confighandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/configserver/api"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/metrics"
	"github.com/ruteri/configserver/resolver"
)

const (
	bodyNotFound    = "not found"
	bodyUnavailable = "repository unavailable"
	bodyDecrypt     = "could not serve configuration"

	// defaultRetryAfter is advertised while a repository has not synced yet
	// and no next attempt is scheduled.
	defaultRetryAfter = 5 * time.Second
)

var contentTypes = map[string]string{
	".yaml":       "application/yaml",
	".yml":        "application/yaml",
	".json":       "application/json",
	".toml":       "application/toml",
	".properties": "text/plain; charset=utf-8",
	".conf":       "text/plain; charset=utf-8",
	".env":        "text/plain; charset=utf-8",
}

// Repositories is the view of the watcher manager the handler needs.
type Repositories interface {
	resolver.Repositories
	Has(name string) bool
	Statuses() []interfaces.RepositoryStatus
}

// Handler serves configuration files and repository statuses.
type Handler struct {
	repos    Repositories
	resolver *resolver.Resolver
	keys     interfaces.KeyStore
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewHandler creates a handler. m may be nil.
func NewHandler(repos Repositories, keys interfaces.KeyStore, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		repos:    repos,
		resolver: resolver.New(repos),
		keys:     keys,
		metrics:  m,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/repositories", h.HandleRepositories)
	r.Get("/api/repositories/{repository}", h.HandleRepository)
}

// Middleware serves requests addressed to a configured repository and passes
// everything else to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repository, filePath, ok := splitRequestPath(r.URL.Path)
		if !ok || !h.repos.Has(repository) {
			next.ServeHTTP(w, r)
			return
		}
		h.HandleConfig(w, r, repository, filePath)
	})
}

func splitRequestPath(p string) (repository, filePath string, ok bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", "", false
	}
	repository, filePath, _ = strings.Cut(p, "/")
	return repository, filePath, true
}

// HandleConfig serves filePath from repository.
//
// URL format: GET|HEAD /{repository}/{path...}
//
// Response: the file content, with sealed values decrypted, and the
// X-Config-Generation and X-Config-Revision headers.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request, repository, filePath string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.fail(w, repository, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
		return
	}

	content, err := h.resolver.Resolve(repository, filePath)
	if err != nil {
		h.resolveFailed(w, repository, filePath, err)
		return
	}

	body, err := h.open(content)
	if err != nil {
		h.log.Warn("could not decrypt configuration",
			slog.String("repository", repository),
			slog.String("path", filePath),
			slog.String("kind", content.Kind.String()),
			"err", err)
		h.countDecryption(repository, "failed")
		h.fail(w, repository, http.StatusInternalServerError, bodyDecrypt)
		return
	}
	if content.Kind != resolver.KindPlain {
		h.countDecryption(repository, "ok")
		defer cryptoutils.Wipe(body)
	}

	w.Header().Set("Content-Type", contentTypeFor(filePath))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(api.GenerationHeader, strconv.FormatUint(content.Generation, 10))
	w.Header().Set(api.RevisionHeader, content.Revision)
	w.WriteHeader(http.StatusOK)
	h.countRequest(repository, http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		h.log.Debug("could not write response", slog.String("repository", repository), "err", err)
	}
}

// open returns the servable bytes of content.
func (h *Handler) open(content *resolver.ResolvedContent) ([]byte, error) {
	keys := scopedKeys{keys: h.keys, keyID: content.KeyID}
	switch content.Kind {
	case resolver.KindEnvelope:
		return cryptoutils.DecryptText(content.Data, keys)
	case resolver.KindTemplate:
		return cryptoutils.ExpandEnvelopes(content.Data, keys)
	default:
		return content.Data, nil
	}
}

func (h *Handler) resolveFailed(w http.ResponseWriter, repository, filePath string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		h.fail(w, repository, http.StatusNotFound, bodyNotFound)
	case errors.Is(err, interfaces.ErrUnavailable):
		status, _ := h.repos.Status(repository)
		if status.State != interfaces.StateHalted {
			w.Header().Set("Retry-After", retryAfter(status, time.Now()))
		}
		h.fail(w, repository, http.StatusServiceUnavailable, bodyUnavailable)
	default:
		h.log.Error("could not resolve configuration",
			slog.String("repository", repository),
			slog.String("path", filePath),
			"err", err)
		h.fail(w, repository, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (h *Handler) fail(w http.ResponseWriter, repository string, code int, body string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, body, code)
	h.countRequest(repository, code)
}

func (h *Handler) countRequest(repository string, code int) {
	if h.metrics != nil {
		h.metrics.Requests.WithLabelValues(repository, strconv.Itoa(code)).Inc()
	}
}

func (h *Handler) countDecryption(repository, result string) {
	if h.metrics != nil {
		h.metrics.Decryptions.WithLabelValues(repository, result).Inc()
	}
}

// HandleRepositories lists the status of every repository.
//
// URL format: GET /api/repositories
func (h *Handler) HandleRepositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, api.RepositoriesResponse{Repositories: h.repos.Statuses()})
}

// HandleRepository returns the status of one repository.
//
// URL format: GET /api/repositories/{repository}
func (h *Handler) HandleRepository(w http.ResponseWriter, r *http.Request) {
	status, ok := h.repos.Status(r.PathValue("repository"))
	if !ok {
		http.Error(w, bodyNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, status)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("could not encode response", "err", err)
	}
}

// scopedKeys restricts lookups to the key a repository is bound to.
type scopedKeys struct {
	keys  interfaces.KeyStore
	keyID string
}

func (s scopedKeys) Key(keyID string) (*cryptoutils.KeyMaterial, error) {
	if s.keyID != "" && keyID != s.keyID {
		return nil, fmt.Errorf("%w: envelope sealed with %q, repository requires %q", cryptoutils.ErrUnknownKey, keyID, s.keyID)
	}
	return s.keys.Key(keyID)
}

func contentTypeFor(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}

func retryAfter(status interfaces.RepositoryStatus, now time.Time) string {
	wait := defaultRetryAfter
	if !status.NextAttempt.IsZero() && status.NextAttempt.After(now) {
		wait = status.NextAttempt.Sub(now)
	}
	return strconv.Itoa(int(math.Ceil(wait.Seconds())))
}
