package encrypthandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/configserver/api"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/metrics"
)

// maxBodySize is the largest accepted plaintext (1MB).
const maxBodySize = 1024 * 1024

// RepositoryKeys resolves the key a repository is bound to.
type RepositoryKeys interface {
	Repository(name string) (interfaces.RepositoryConfig, bool)
}

// Handler seals request bodies into armored envelopes.
type Handler struct {
	keys         interfaces.KeyStore
	repos        RepositoryKeys
	defaultKeyID string
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// NewHandler creates an encrypt handler. When defaultKeyID is empty and the
// store holds a single key, that key is the default. repos and m may be nil.
func NewHandler(keys interfaces.KeyStore, repos RepositoryKeys, defaultKeyID string, m *metrics.Metrics, log *slog.Logger) *Handler {
	if defaultKeyID == "" {
		if ids := keys.KeyIDs(); len(ids) == 1 {
			defaultKeyID = ids[0]
		}
	}
	return &Handler{
		keys:         keys,
		repos:        repos,
		defaultKeyID: defaultKeyID,
		metrics:      m,
		log:          log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/encrypt", h.HandleEncrypt)
	r.Post("/api/encrypt", h.HandleEncrypt)
	r.Post("/api/tokenize", h.HandleTokenize)
}

// HandleEncrypt seals the request body.
//
// URL format: POST /encrypt[?key=<key id>|?repository=<repository>]
// Request body: the plaintext, at most 1MB.
//
// Response: the armored envelope as text/plain, or an EncryptResponse when the
// client accepts application/json.
func (h *Handler) HandleEncrypt(w http.ResponseWriter, r *http.Request) {
	keyID, err := h.keyIDFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := h.keys.Key(keyID)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown key %q", keyID), http.StatusBadRequest)
		return
	}

	plaintext, ok := readBody(w, r)
	if !ok {
		return
	}
	defer cryptoutils.Wipe(plaintext)

	if len(plaintext) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	token, err := cryptoutils.EncryptText(plaintext, key)
	if err != nil {
		h.log.Error("could not encrypt", slog.String("keyID", keyID), "err", err)
		http.Error(w, "could not encrypt", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.Encryptions.WithLabelValues(keyID).Inc()
	}

	if acceptsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(api.EncryptResponse{Token: string(token), KeyID: keyID})
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err = w.Write(token)
	}
	if err != nil {
		h.log.Debug("could not write response", "err", err)
	}
}

// HandleTokenize seals every {enc:<plaintext>} placeholder of a text file.
//
// URL format: POST /api/tokenize[?key=<key id>|?repository=<repository>]
// Request body: a text/* document, at most 1MB.
//
// Response: the document with each placeholder replaced by its armored
// envelope, and the number of sealed placeholders in X-Config-Sealed.
// Placeholders already holding an envelope are left as they are.
func (h *Handler) HandleTokenize(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || !strings.HasPrefix(mediaType, "text/") {
		http.Error(w, fmt.Sprintf("unsupported content type %q, only text/* is accepted", contentType), http.StatusUnsupportedMediaType)
		return
	}

	keyID, err := h.keyIDFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := h.keys.Key(keyID)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown key %q", keyID), http.StatusBadRequest)
		return
	}

	document, ok := readBody(w, r)
	if !ok {
		return
	}
	defer cryptoutils.Wipe(document)

	sealed, n, err := cryptoutils.SealPlaceholders(document, key)
	if err != nil {
		h.log.Error("could not tokenize", slog.String("keyID", keyID), "err", err)
		http.Error(w, "could not tokenize", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.Encryptions.WithLabelValues(keyID).Add(float64(n))
	}
	h.log.Debug("tokenized document", slog.String("keyID", keyID), slog.Int("sealed", n))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(api.SealedHeader, strconv.Itoa(n))
	if _, err := w.Write(sealed); err != nil {
		h.log.Debug("could not write response", "err", err)
	}
}

// readBody reads at most maxBodySize bytes of the request body, answering the
// request itself on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// keyIDFor picks the key named by ?key=, else the key of ?repository=, else the default.
func (h *Handler) keyIDFor(r *http.Request) (string, error) {
	query := r.URL.Query()
	if keyID := query.Get("key"); keyID != "" {
		return keyID, nil
	}

	if name := query.Get("repository"); name != "" {
		if h.repos == nil {
			return "", fmt.Errorf("unknown repository %q", name)
		}
		cfg, ok := h.repos.Repository(name)
		if !ok {
			return "", fmt.Errorf("unknown repository %q", name)
		}
		if cfg.KeyID != "" {
			return cfg.KeyID, nil
		}
	}

	if h.defaultKeyID == "" {
		return "", errors.New("no key selected and no default key configured")
	}
	return h.defaultKeyID, nil
}

func acceptsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mediaType, "application/json") {
			return true
		}
	}
	return false
}
