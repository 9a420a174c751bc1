package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/configserver/api"
	"github.com/ruteri/configserver/interfaces"
	"github.com/stretchr/testify/mock"
)

// maxResponseSize bounds the bodies read from the server.
const maxResponseSize = 16 * 1024 * 1024

// ConfigServer is the client-side view of the configuration server.
type ConfigServer interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID string) (*api.EncryptResponse, error)
	Tokenize(ctx context.Context, document []byte, keyID string) ([]byte, error)
	Get(ctx context.Context, repository, path string) (*ConfigFile, error)
	Repositories(ctx context.Context) ([]interfaces.RepositoryStatus, error)
}

// ConfigFile is a file served by the configuration server.
type ConfigFile struct {
	Data        []byte
	ContentType string
	Generation  uint64
	Revision    string
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string

	// RetryAfter is the delay advertised by a 503 response, zero if none.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("config server returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the server error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return interfaces.ErrNotFound
	case http.StatusServiceUnavailable:
		return interfaces.ErrUnavailable
	default:
		return nil
	}
}

// ConfigServerClient talks to a configuration server over HTTP.
type ConfigServerClient struct {
	// ServerAddr is the base URL of the server, e.g. http://127.0.0.1:8080
	ServerAddr string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ ConfigServer = (*ConfigServerClient)(nil)

// NewConfigServerClient creates a client for serverAddr.
func NewConfigServerClient(serverAddr string) *ConfigServerClient {
	return &ConfigServerClient{
		ServerAddr: strings.TrimRight(serverAddr, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Encrypt seals plaintext with keyID, or with the server default key when keyID is empty.
func (c *ConfigServerClient) Encrypt(ctx context.Context, plaintext []byte, keyID string) (*api.EncryptResponse, error) {
	endpoint := c.ServerAddr + "/encrypt"
	if keyID != "" {
		endpoint += "?" + url.Values{"key": {keyID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(plaintext))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	var parsed api.EncryptResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse encrypt response: %w", err)
	}
	return &parsed, nil
}

// Tokenize sends a text document to the server and returns it with every
// {enc:<plaintext>} placeholder sealed.
func (c *ConfigServerClient) Tokenize(ctx context.Context, document []byte, keyID string) ([]byte, error) {
	endpoint := c.ServerAddr + "/api/tokenize"
	if keyID != "" {
		endpoint += "?" + url.Values{"key": {keyID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}
	return body, nil
}

// Get fetches path from repository.
func (c *ConfigServerClient) Get(ctx context.Context, repository, path string) (*ConfigFile, error) {
	endpoint, err := url.JoinPath(c.ServerAddr, repository, path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	generation, _ := strconv.ParseUint(resp.Header.Get(api.GenerationHeader), 10, 64)
	return &ConfigFile{
		Data:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Generation:  generation,
		Revision:    resp.Header.Get(api.RevisionHeader),
	}, nil
}

// Repositories lists the status of every repository.
func (c *ConfigServerClient) Repositories(ctx context.Context) ([]interfaces.RepositoryStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/api/repositories", nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	var parsed api.RepositoriesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse repositories response: %w", err)
	}
	return parsed.Repositories, nil
}

func (c *ConfigServerClient) do(req *http.Request) (*http.Response, []byte, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("could not request config server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("could not read config server response: %w", err)
	}
	return resp, body, nil
}

func statusError(resp *http.Response, body []byte) *StatusError {
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		e.RetryAfter = time.Duration(seconds) * time.Second
	}
	return e
}

// MockConfigServer implements ConfigServer for testing.
type MockConfigServer struct {
	mock.Mock
}

func (m *MockConfigServer) Encrypt(ctx context.Context, plaintext []byte, keyID string) (*api.EncryptResponse, error) {
	args := m.Called(ctx, plaintext, keyID)
	resp, _ := args.Get(0).(*api.EncryptResponse)
	return resp, args.Error(1)
}

func (m *MockConfigServer) Tokenize(ctx context.Context, document []byte, keyID string) ([]byte, error) {
	args := m.Called(ctx, document, keyID)
	sealed, _ := args.Get(0).([]byte)
	return sealed, args.Error(1)
}

func (m *MockConfigServer) Get(ctx context.Context, repository, path string) (*ConfigFile, error) {
	args := m.Called(ctx, repository, path)
	file, _ := args.Get(0).(*ConfigFile)
	return file, args.Error(1)
}

func (m *MockConfigServer) Repositories(ctx context.Context) ([]interfaces.RepositoryStatus, error) {
	args := m.Called(ctx)
	statuses, _ := args.Get(0).([]interfaces.RepositoryStatus)
	return statuses, args.Error(1)
}
