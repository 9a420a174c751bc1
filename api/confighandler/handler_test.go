package confighandler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/configserver/api"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/kms"
	"github.com/ruteri/configserver/metrics"
	"github.com/ruteri/configserver/workarea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepos struct {
	order    []string
	configs  map[string]interfaces.RepositoryConfig
	statuses map[string]interfaces.RepositoryStatus
	areas    map[string]*workarea.Area
}

func (f *fakeRepos) Repository(name string) (interfaces.RepositoryConfig, bool) {
	cfg, ok := f.configs[name]
	return cfg, ok
}

func (f *fakeRepos) Has(name string) bool {
	_, ok := f.configs[name]
	return ok
}

func (f *fakeRepos) Status(name string) (interfaces.RepositoryStatus, bool) {
	s, ok := f.statuses[name]
	return s, ok
}

func (f *fakeRepos) Statuses() []interfaces.RepositoryStatus {
	out := make([]interfaces.RepositoryStatus, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.statuses[name])
	}
	return out
}

func (f *fakeRepos) Area(name string) (*workarea.Area, bool) {
	a, ok := f.areas[name]
	return a, ok
}

func (f *fakeRepos) RecordHit(name string) {
	s := f.statuses[name]
	s.Hits++
	f.statuses[name] = s
}

func (f *fakeRepos) publish(t *testing.T, name, revision string, files map[string]string) {
	t.Helper()
	area := f.areas[name]
	staging := area.Stage()
	for rel, content := range files {
		p := filepath.Join(staging.Dir(), filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	snap, err := area.Publish(staging, revision)
	require.NoError(t, err)
	f.statuses[name] = interfaces.RepositoryStatus{
		Repository: name,
		State:      interfaces.StateReady,
		Generation: snap.Generation(),
		Revision:   revision,
	}
}

type testEnv struct {
	repos   *fakeRepos
	keys    *kms.StaticKeyStore
	prod    *cryptoutils.KeyMaterial
	staging *cryptoutils.KeyMaterial
	metrics *metrics.Metrics
	mux     *chi.Mux
}

func setupTestEnvironment(t *testing.T, configs ...interfaces.RepositoryConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root, err := workarea.NewRoot(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	repos := &fakeRepos{
		configs:  map[string]interfaces.RepositoryConfig{},
		statuses: map[string]interfaces.RepositoryStatus{},
		areas:    map[string]*workarea.Area{},
	}
	for _, cfg := range configs {
		area, err := root.Area(cfg.Name, 0)
		require.NoError(t, err)
		repos.order = append(repos.order, cfg.Name)
		repos.configs[cfg.Name] = cfg
		repos.areas[cfg.Name] = area
		repos.statuses[cfg.Name] = interfaces.RepositoryStatus{Repository: cfg.Name, State: interfaces.StatePending}
	}

	prod, err := cryptoutils.GenerateKeyMaterial("prod", cryptoutils.AES256GCM)
	require.NoError(t, err)
	staging, err := cryptoutils.GenerateKeyMaterial("staging", cryptoutils.XChaCha20Poly1305)
	require.NoError(t, err)
	keys, err := kms.NewStaticKeyStore(prod, staging)
	require.NoError(t, err)

	m := metrics.NewMetrics("test", nil)
	handler := NewHandler(repos, keys, m, logger)

	mux := chi.NewRouter()
	mux.Use(handler.Middleware)
	handler.RegisterRoutes(mux)
	mux.Get("/livez", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("alive")) })

	return &testEnv{repos: repos, keys: keys, prod: prod, staging: staging, metrics: m, mux: mux}
}

func (e *testEnv) seal(t *testing.T, key *cryptoutils.KeyMaterial, plaintext string) string {
	t.Helper()
	token, err := cryptoutils.EncryptText([]byte(plaintext), key)
	require.NoError(t, err)
	return string(token)
}

func (e *testEnv) do(method, target string) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w.Result()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandleConfig_ServesFiles(t *testing.T) {
	env := setupTestEnvironment(t, interfaces.RepositoryConfig{Name: "app", Source: "file:///x", KeyID: "prod"})
	env.repos.publish(t, "app", "rev-1", map[string]string{
		"app.yaml":           "level: debug\n",
		"secret.conf":        env.seal(t, env.prod, "db_password=xyz") + "\n",
		"nested/db.env":      "USER=app\nPASSWORD=" + env.seal(t, env.prod, "hunter2") + "\n",
		"settings.json":      `{"a":1}`,
		"noext":              "raw",
		"foreign-token.conf": "literal {enc:bm90IGFuIGVudmVsb3Bl} stays",
	})

	testCases := []struct {
		path        string
		body        string
		contentType string
	}{
		{path: "/app/app.yaml", body: "level: debug\n", contentType: "application/yaml"},
		{path: "/app/secret.conf", body: "db_password=xyz", contentType: "text/plain; charset=utf-8"},
		{path: "/app/nested/db.env", body: "USER=app\nPASSWORD=hunter2\n", contentType: "text/plain; charset=utf-8"},
		{path: "/app/settings.json", body: `{"a":1}`, contentType: "application/json"},
		{path: "/app/noext", body: "raw", contentType: "text/plain; charset=utf-8"},
		{path: "/app/foreign-token.conf", body: "literal {enc:bm90IGFuIGVudmVsb3Bl} stays", contentType: "text/plain; charset=utf-8"},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			resp := env.do(http.MethodGet, tc.path)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tc.body, readBody(t, resp))
			assert.Equal(t, tc.contentType, resp.Header.Get("Content-Type"))
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			assert.Equal(t, "1", resp.Header.Get(api.GenerationHeader))
			assert.Equal(t, "rev-1", resp.Header.Get(api.RevisionHeader))
		})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Decryptions.WithLabelValues("app", "ok")))
	assert.Equal(t, 6.0, testutil.ToFloat64(env.metrics.Requests.WithLabelValues("app", "200")))
}

func TestHandleConfig_Head(t *testing.T) {
	env := setupTestEnvironment(t, interfaces.RepositoryConfig{Name: "app", Source: "file:///x"})
	env.repos.publish(t, "app", "rev-1", map[string]string{"app.yaml": "level: debug\n"})

	resp := env.do(http.MethodHead, "/app/app.yaml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))
	assert.Equal(t, "1", resp.Header.Get(api.GenerationHeader))
}

func TestHandleConfig_Errors(t *testing.T) {
	env := setupTestEnvironment(t,
		interfaces.RepositoryConfig{Name: "app", Source: "file:///x", KeyID: "prod"},
		interfaces.RepositoryConfig{Name: "pending", Source: "file:///y"},
		interfaces.RepositoryConfig{Name: "halted", Source: "ftp://z"},
	)

	sealed, err := cryptoutils.ParseEnvelope([]byte(env.seal(t, env.prod, "db_password=xyz")))
	require.NoError(t, err)
	sealed.Tag[0] ^= 0x01
	tampered, err := sealed.MarshalText()
	require.NoError(t, err)

	env.repos.publish(t, "app", "rev-1", map[string]string{
		"app.yaml":       "ok",
		"wrong-key.conf": env.seal(t, env.staging, "db_password=xyz"),
		"tampered.conf":  string(tampered),
		"template.conf":  "a=" + env.seal(t, env.prod, "fine") + "\nb=" + env.seal(t, env.staging, "wrong key"),
	})
	env.repos.statuses["pending"] = interfaces.RepositoryStatus{
		Repository:  "pending",
		State:       interfaces.StateFailing,
		NextAttempt: time.Now().Add(90 * time.Second),
	}
	env.repos.statuses["halted"] = interfaces.RepositoryStatus{Repository: "halted", State: interfaces.StateHalted}

	testCases := []struct {
		name       string
		method     string
		path       string
		code       int
		body       string
		retryAfter bool
	}{
		{name: "missing file", method: http.MethodGet, path: "/app/missing.yaml", code: http.StatusNotFound, body: "not found\n"},
		{name: "repository root", method: http.MethodGet, path: "/app/", code: http.StatusNotFound, body: "not found\n"},
		{name: "traversal", method: http.MethodGet, path: "/app/..%2Fpending%2Fapp.yaml", code: http.StatusNotFound, body: "not found\n"},
		{name: "never synced", method: http.MethodGet, path: "/pending/app.yaml", code: http.StatusServiceUnavailable, body: "repository unavailable\n", retryAfter: true},
		{name: "halted", method: http.MethodGet, path: "/halted/app.yaml", code: http.StatusServiceUnavailable, body: "repository unavailable\n"},
		{name: "wrong key", method: http.MethodGet, path: "/app/wrong-key.conf", code: http.StatusInternalServerError, body: "could not serve configuration\n"},
		{name: "tampered", method: http.MethodGet, path: "/app/tampered.conf", code: http.StatusInternalServerError, body: "could not serve configuration\n"},
		{name: "template with wrong key", method: http.MethodGet, path: "/app/template.conf", code: http.StatusInternalServerError, body: "could not serve configuration\n"},
		{name: "post", method: http.MethodPost, path: "/app/app.yaml", code: http.StatusMethodNotAllowed, body: "Method Not Allowed\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(tc.method, tc.path)
			assert.Equal(t, tc.code, resp.StatusCode)
			body := readBody(t, resp)
			assert.Equal(t, tc.body, body)
			assert.NotContains(t, body, "fine", "No partial plaintext")
			if tc.retryAfter {
				assert.Equal(t, "90", resp.Header.Get("Retry-After"))
			} else {
				assert.Empty(t, resp.Header.Get("Retry-After"))
			}
		})
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.Decryptions.WithLabelValues("app", "failed")))
}

func TestMiddleware_PassesThrough(t *testing.T) {
	env := setupTestEnvironment(t, interfaces.RepositoryConfig{Name: "app", Source: "file:///x"})

	resp := env.do(http.MethodGet, "/livez")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", readBody(t, resp))

	resp = env.do(http.MethodGet, "/other/app.yaml")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRepositories(t *testing.T) {
	env := setupTestEnvironment(t,
		interfaces.RepositoryConfig{Name: "app", Source: "file:///x"},
		interfaces.RepositoryConfig{Name: "pending", Source: "file:///y"},
	)
	env.repos.publish(t, "app", "rev-1", map[string]string{"app.yaml": "ok"})

	resp := env.do(http.MethodGet, "/app/app.yaml")
	readBody(t, resp)

	resp = env.do(http.MethodGet, "/api/repositories")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var list api.RepositoriesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Repositories, 2)
	assert.Equal(t, "app", list.Repositories[0].Repository)
	assert.Equal(t, interfaces.StateReady, list.Repositories[0].State)
	assert.Equal(t, int64(1), list.Repositories[0].Hits)
	assert.Equal(t, interfaces.StatePending, list.Repositories[1].State)

	resp = env.do(http.MethodGet, "/api/repositories/pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status interfaces.RepositoryStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "pending", status.Repository)

	resp = env.do(http.MethodGet, "/api/repositories/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(readBody(t, resp), "not found"))
}

func TestRetryAfter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "5", retryAfter(interfaces.RepositoryStatus{}, now))
	assert.Equal(t, "5", retryAfter(interfaces.RepositoryStatus{NextAttempt: now.Add(-time.Second)}, now))
	assert.Equal(t, "2", retryAfter(interfaces.RepositoryStatus{NextAttempt: now.Add(1500 * time.Millisecond)}, now))
}
