package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/store"
)

// maxResponseBodySize bounds response bodies; dashboard definitions can be large.
const maxResponseBodySize = 32 << 20

// connection pooling limits to prevent resource exhaustion when many
// waiters share one client
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
	defaultRequestTimeout      = 30 * time.Second
)

// APIError is a non-2xx reply from the service.
//
// APIError unwraps to the sentinel matching its status code, so callers can
// test for store.ErrNotFound or compile.ErrCompilationFailed with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusBadRequest:
		return store.ErrInvalidDefinition
	case http.StatusUnprocessableEntity:
		return compile.ErrCompilationFailed
	case http.StatusGatewayTimeout:
		return compile.ErrCompilationTimeout
	case http.StatusServiceUnavailable:
		return compile.ErrBuilderUnavailable
	}
	return nil
}

// PublishRequest is the body of a publish call.
type PublishRequest struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
	Dashboard  json.RawMessage `json:"dashboard"`
}

// Dashboard is a stored dashboard as reported by the service.
type Dashboard struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	Tags           []string        `json:"tags"`
	Permanent      bool            `json:"permanent"`
	TTLSeconds     int64           `json:"ttl_seconds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	Hash           string          `json:"hash"`
	PlotCount      int             `json:"plot_count"`
	ViewerURL      string          `json:"viewer_url"`
	Dashboard      json.RawMessage `json:"dashboard,omitempty"`
}

// CompileStatus is a compile snapshot plus the artifact location.
type CompileStatus struct {
	compile.Snapshot
	ArtifactURL string `json:"artifact_url,omitempty"`
}

// Client talks to the dashboard service's REST API.
//
// Client uses per-request timeouts via context rather than a global timeout.
// Response bodies are limited in size to prevent memory issues.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a [Client] for the service at baseURL, for example
// "http://localhost:8080".
//
// Connection pooling configuration:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL scheme must be http or https, got %q", u.Scheme)
	}
	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
		timeout: defaultRequestTimeout,
	}, nil
}

// BaseURL returns the service URL the client was created with.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// WebSocketURL returns the viewer session URL for a dashboard.
func (c *Client) WebSocketURL(id string) string {
	u := *c.baseURL
	u.Scheme = "ws"
	if c.baseURL.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = u.Path + "/ws/v1/dashboards/" + url.PathEscape(id)
	return u.String()
}

// Publish creates a dashboard, or replaces it when req.ID names an
// existing one.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (Dashboard, error) {
	var out Dashboard
	err := c.do(ctx, http.MethodPost, "/api/v1/dashboards", req, &out)
	return out, err
}

// Get fetches a dashboard with its definition.
func (c *Client) Get(ctx context.Context, id string) (Dashboard, error) {
	var out Dashboard
	err := c.do(ctx, http.MethodGet, dashboardPath(id, ""), nil, &out)
	return out, err
}

// Delete removes a dashboard.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, dashboardPath(id, ""), nil, nil)
}

// PushUpdate sends an update command to the dashboard's viewers and
// returns the seq it was assigned.
func (c *Client) PushUpdate(ctx context.Context, id string, cmd protocol.UpdateCommand) (uint64, error) {
	var out struct {
		Seq uint64 `json:"seq"`
	}
	err := c.do(ctx, http.MethodPost, dashboardPath(id, "/update"), cmd, &out)
	return out.Seq, err
}

// RequestArtifact asks for the artifact of the current definition,
// scheduling a build if needed. It does not wait.
func (c *Client) RequestArtifact(ctx context.Context, id string) (CompileStatus, error) {
	var out CompileStatus
	err := c.do(ctx, http.MethodGet, dashboardPath(id, "/artifact"), nil, &out)
	return out, err
}

// CompileStatus reports the compile status without scheduling anything.
func (c *Client) CompileStatus(ctx context.Context, id string) (CompileStatus, error) {
	var out CompileStatus
	err := c.do(ctx, http.MethodGet, dashboardPath(id, "/compile-status"), nil, &out)
	return out, err
}

func dashboardPath(id, suffix string) string {
	return "/api/v1/dashboards/" + url.PathEscape(id) + suffix
}

// do performs one request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// read body with size limit
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
