package remote

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
)

// Config configures an HTTPClient.
type Config struct {
	// BaseURL of the sync server, e.g. https://api.example.com/v1.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// TenantID is sent as X-Tenant-ID when set.
	TenantID string

	// Timeout bounds every request (default: 30s).
	Timeout time.Duration

	// Client overrides the underlying http.Client.
	Client *http.Client
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// HTTPClient is the HTTP implementation of Transport.
type HTTPClient struct {
	base     *url.URL
	token    string
	tenantID string
	timeout  time.Duration
	client   *http.Client
}

var _ Transport = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		base:     base,
		token:    cfg.Token,
		tenantID: cfg.TenantID,
		timeout:  cfg.Timeout,
		client:   client,
	}, nil
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = u.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends one request and returns the response body of a 2xx reply.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %w", ErrNetwork, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusError(path, resp.StatusCode, data)
}

func statusError(path string, status int, body []byte) error {
	msg := http.StatusText(status)
	var env Response
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		msg = env.Error
	}

	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrStalePush, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d: %s", ErrNetwork, path, status, msg)
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrServerRejected, path, status, msg)
	}
}

// Pull fetches changes since the given watermark.
func (c *HTTPClient) Pull(ctx context.Context, since *time.Time) (*PullResult, error) {
	query := url.Values{}
	if since != nil {
		query.Set("lastSyncAt", FormatTime(*since))
	}

	data, err := c.do(ctx, http.MethodGet, "/sync/pull", query, nil)
	if err != nil {
		return nil, err
	}

	var resp PullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed pull response: %v", ErrServerRejected, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: pull: %s", ErrServerRejected, resp.Error)
	}
	ts, err := ParseTime(resp.Data.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: pull timestamp %q: %v", ErrServerRejected, resp.Data.Timestamp, err)
	}

	changes := resp.Data.Changes
	if changes == nil {
		changes = ChangeSet{}
	}
	return &PullResult{Changes: changes, Timestamp: ts}, nil
}

// Push sends local changes.
func (c *HTTPClient) Push(ctx context.Context, changes ChangeSet, lastPulledAt *time.Time) error {
	body := PushRequest{Changes: changes}
	if body.Changes == nil {
		body.Changes = ChangeSet{}
	}
	if lastPulledAt != nil {
		s := FormatTime(*lastPulledAt)
		body.LastPulledAt = &s
	}

	data, err := c.do(ctx, http.MethodPost, "/sync/push", nil, body)
	if err != nil {
		return err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("%w: malformed push response: %v", ErrServerRejected, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: push: %s", ErrServerRejected, resp.Error)
	}
	return nil
}

// Ping checks that the server answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil, nil)
	return err
}
