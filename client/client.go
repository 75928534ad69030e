package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/api"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxBodyBytes       = 64 << 20
)

// Client talks to one keyserver over HTTP.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	httpTimeout   time.Duration
	correlationID string
	logger        pslog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger.With("sys", "client.sdk")
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithCorrelationID sends id with every request that does not carry its own
// id in the context. Invalid ids are ignored.
func WithCorrelationID(id string) Option {
	return func(c *Client) {
		if normalized, ok := NormalizeCorrelationID(id); ok {
			c.correlationID = normalized
		}
	}
}

// New creates a client for baseURL (for example http://127.0.0.1:8080). A
// bare host:port is treated as http.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("client: baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{},
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server URL the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Generate asks the server to mint a new available key.
func (c *Client) Generate(ctx context.Context) (uint64, error) {
	return c.idCall(ctx, "generate", "/generate")
}

// Acquire blocks one available key and returns its id.
func (c *Client) Acquire(ctx context.Context) (uint64, error) {
	return c.idCall(ctx, "getkey", "/getkey")
}

// Release returns a blocked key to the pool.
func (c *Client) Release(ctx context.Context, id uint64) error {
	_, err := c.idCall(ctx, "unblock", "/unblock/"+strconv.FormatUint(id, 10))
	return err
}

// Delete purges a key. Deleting a purged key succeeds.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	_, err := c.idCall(ctx, "delete", "/delete/"+strconv.FormatUint(id, 10))
	return err
}

// KeepAlive refreshes an available key.
func (c *Client) KeepAlive(ctx context.Context, id uint64) error {
	_, err := c.idCall(ctx, "keep_alive", "/keep_alive/"+strconv.FormatUint(id, 10))
	return err
}

// Get describes a single key.
func (c *Client) Get(ctx context.Context, id uint64) (api.KeyRecord, error) {
	var out api.KeyRecord
	err := c.jsonCall(ctx, "keys.get", "/v1/keys/"+strconv.FormatUint(id, 10), &out)
	return out, err
}

// Stats returns pool counts and the active policy.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var out api.StatsResponse
	err := c.jsonCall(ctx, "stats", "/v1/stats", &out)
	return out, err
}

// Snapshot returns every key with its state.
func (c *Client) Snapshot(ctx context.Context) (api.Snapshot, error) {
	var out api.Snapshot
	err := c.jsonCall(ctx, "snapshot", "/v1/snapshot", &out)
	return out, err
}

func (c *Client) idCall(ctx context.Context, op, path string) (uint64, error) {
	body, err := c.do(ctx, op, path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(body))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("client: %s: unexpected response %q: %w", op, raw, err)
	}
	return id, nil
}

func (c *Client) jsonCall(ctx context.Context, op, path string, out any) error {
	body, err := c.do(ctx, op, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("client: %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpTimeout)
		defer cancel()
	}
	endpoint := c.baseURL.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("client: %s: build request: %w", op, err)
	}
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = c.correlationID
	}
	if cid != "" {
		req.Header.Set(HeaderCorrelationID, cid)
	}
	logger := c.logger.With("op", op, "endpoint", endpoint)
	if cid != "" {
		logger = logger.With("cid", cid)
	}
	start := time.Now()
	logger.Trace("client.http.request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("client.http.error", "error", err)
		return nil, fmt.Errorf("client: %s: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("client: %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Body: body, CorrelationID: CorrelationIDFromResponse(resp)}
		_ = json.Unmarshal(body, &apiErr.Response)
		logger.Debug("client.http.failure", "status", resp.StatusCode, "code", apiErr.Response.ErrorCode, "elapsed", time.Since(start))
		return nil, apiErr
	}
	logger.Trace("client.http.success", "status", resp.StatusCode, "elapsed", time.Since(start))
	return body, nil
}

// APIError is returned for every non-2xx reply.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body.
	Body []byte
	// CorrelationID echoes the server's X-Correlation-Id.
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("keyserver: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("keyserver: status %d", e.Status)
}

// Code returns the server's error code, or "".
func (e *APIError) Code() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

// IsNotFound reports whether err is a 404 from the server. The server uses
// 404 for unknown ids, keys in the wrong state and an empty pool.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsPoolExhausted reports whether the server has run out of ids.
func IsPoolExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code() == "pool_exhausted"
}
