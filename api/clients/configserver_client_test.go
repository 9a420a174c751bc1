package clients

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/configserver/api"
	"github.com/ruteri/configserver/api/confighandler"
	"github.com/ruteri/configserver/api/encrypthandler"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/interfaces"
	"github.com/ruteri/configserver/kms"
	"github.com/ruteri/configserver/storage"
	"github.com/ruteri/configserver/watcher"
	"github.com/ruteri/configserver/workarea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// setupServer runs the serving handlers over a file source holding sourceFiles.
// Watchers are not started, so repositories stay unavailable.
func setupServer(t *testing.T, sourceFiles map[string]string) (*ConfigServerClient, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := cryptoutils.GenerateKeyMaterial("prod", cryptoutils.AES256GCM)
	require.NoError(t, err)
	keys, err := kms.NewStaticKeyStore(key)
	require.NoError(t, err)

	sourceDir := t.TempDir()
	for name, content := range sourceFiles {
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, name), []byte(content), 0o644))
	}

	root, err := workarea.NewRoot(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	repos := []interfaces.RepositoryConfig{
		{Name: "app", Source: "file://" + sourceDir, PollInterval: time.Second},
	}
	manager, err := watcher.NewManager(repos, root, storage.NewSourceFactory(logger), watcher.Options{}, logger, nil)
	require.NoError(t, err)

	configHandler := confighandler.NewHandler(manager, keys, nil, logger)
	mux := chi.NewRouter()
	mux.Use(configHandler.Middleware)
	configHandler.RegisterRoutes(mux)
	encrypthandler.NewHandler(keys, manager, "", nil, logger).RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return NewConfigServerClient(ts.URL + "/"), sourceDir
}

func TestConfigServerClient_EncryptAndGet(t *testing.T) {
	client, sourceDir := setupServer(t, map[string]string{"app.yaml": "level: info\n"})
	ctx := t.Context()

	sealed, err := client.Encrypt(ctx, []byte("db_password=xyz"), "")
	require.NoError(t, err)
	assert.Equal(t, "prod", sealed.KeyID)
	assert.True(t, cryptoutils.LooksLikeEnvelope([]byte(sealed.Token)))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "secret.conf"), []byte(sealed.Token), 0o644))

	_, err = client.Get(ctx, "app", "secret.conf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrUnavailable))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, 5*time.Second, statusErr.RetryAfter)

	_, err = client.Encrypt(ctx, []byte("x"), "missing")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestConfigServerClient_Tokenize(t *testing.T) {
	client, _ := setupServer(t, nil)

	sealed, err := client.Tokenize(t.Context(), []byte("user=app\npassword={enc:s3cr3t}\n"), "")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cr3t")
	assert.True(t, cryptoutils.ContainsEnvelopes(sealed))
	assert.Contains(t, string(sealed), "user=app\npassword={enc:")

	_, err = client.Tokenize(t.Context(), []byte("a={enc:x}"), "missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestConfigServerClient_Synced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := cryptoutils.GenerateKeyMaterial("prod", cryptoutils.AES256GCM)
	require.NoError(t, err)
	keys, err := kms.NewStaticKeyStore(key)
	require.NoError(t, err)
	token, err := cryptoutils.EncryptText([]byte("db_password=xyz"), key)
	require.NoError(t, err)

	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "secret.conf"), token, 0o644))

	root, err := workarea.NewRoot(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	manager, err := watcher.NewManager([]interfaces.RepositoryConfig{
		{Name: "app", Source: "file://" + sourceDir, PollInterval: time.Second},
	}, root, storage.NewSourceFactory(logger), watcher.Options{}, logger, nil)
	require.NoError(t, err)
	manager.Start(t.Context())
	t.Cleanup(manager.Stop)

	configHandler := confighandler.NewHandler(manager, keys, nil, logger)
	mux := chi.NewRouter()
	mux.Use(configHandler.Middleware)
	configHandler.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := NewConfigServerClient(ts.URL)
	require.Eventually(t, func() bool {
		statuses, err := client.Repositories(t.Context())
		return err == nil && len(statuses) == 1 && statuses[0].State == interfaces.StateReady
	}, 5*time.Second, 10*time.Millisecond)

	file, err := client.Get(t.Context(), "app", "secret.conf")
	require.NoError(t, err)
	assert.Equal(t, "db_password=xyz", string(file.Data))
	assert.Equal(t, uint64(1), file.Generation)
	assert.NotEmpty(t, file.Revision)

	_, err = client.Get(t.Context(), "app", "missing.conf")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestStatusError(t *testing.T) {
	assert.ErrorIs(t, &StatusError{StatusCode: http.StatusNotFound}, interfaces.ErrNotFound)
	assert.ErrorIs(t, &StatusError{StatusCode: http.StatusServiceUnavailable}, interfaces.ErrUnavailable)
	assert.NotErrorIs(t, &StatusError{StatusCode: http.StatusInternalServerError}, interfaces.ErrNotFound)
	assert.Equal(t, "config server returned 500: boom", (&StatusError{StatusCode: 500, Body: "boom"}).Error())
}

func TestMockConfigServer(t *testing.T) {
	m := new(MockConfigServer)
	m.On("Encrypt", mock.Anything, []byte("x"), "prod").Return(&api.EncryptResponse{Token: "t", KeyID: "prod"}, nil)
	m.On("Get", mock.Anything, "app", "a.yaml").Return(nil, interfaces.ErrNotFound)

	var server ConfigServer = m
	resp, err := server.Encrypt(t.Context(), []byte("x"), "prod")
	require.NoError(t, err)
	assert.Equal(t, "t", resp.Token)

	file, err := server.Get(t.Context(), "app", "a.yaml")
	assert.Nil(t, file)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	m.AssertExpectations(t)
}
