// Package upstream talks to the systems of record: a rate-limited, retrying
// HTTP client, pluggable auth, a Link-header pagination walker, and the
// PingFederate and ServiceNow sources built on top of them.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is the base URL for all relative requests.
	BaseURL string

	// Auth configures authentication (default: NoAuth).
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for 429 and 5xx responses. Zero disables retries.
	MaxRetries int

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "idmirror/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	Logger observability.Logger
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RateLimit:  10.0,
		RateBurst:  5,
		UserAgent:  "idmirror/1.0",
		Headers:    make(map[string]string),
	}
}

// Client is a rate-limited, retry-capable HTTP client.
type Client struct {
	config      *ClientConfig
	base        *url.URL
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      observability.Logger
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "idmirror/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.Discard()
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if w, ok := config.Auth.(TransportWrapper); ok {
		transport = w.WrapTransport(transport)
	}

	return &Client{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      logger.WithComponent("upstream"),
	}, nil
}

// Request represents an HTTP request to be made. URL, when set, is used
// instead of Path and Query; a relative URL resolves against the base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	URL     string
	Headers map[string]string
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// ErrForeignURL rejects an absolute URL, typically a pagination link, that
// points away from the configured base URL's scheme and host. Credentials
// are only ever sent to the base URL.
var ErrForeignURL = errors.New("url is not on the upstream host")

// URLFor returns the absolute URL a request will be sent to.
func (c *Client) URLFor(req *Request) (string, error) {
	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return "", fmt.Errorf("parse url: %w", err)
		}
		resolved := c.base.ResolveReference(u)
		if c.base.Host != "" && !sameOrigin(c.base, resolved) {
			return "", fmt.Errorf("%w: %s", ErrForeignURL, resolved.Redacted())
		}
		return resolved.String(), nil
	}
	full := c.config.BaseURL
	if req.Path != "" {
		full = strings.TrimSuffix(full, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	}
	if len(req.Query) > 0 {
		full += "?" + req.Query.Encode()
	}
	return full, nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// Do executes a request with rate limiting and retry.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	fullURL, err := c.URLFor(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := c.doOnce(ctx, req, fullURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		c.logger.DebugContext(ctx, "retrying upstream request", "url", fullURL, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, req *Request, fullURL string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	c.config.Auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		URL:        fullURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response, &HTTPError{StatusCode: resp.StatusCode, Message: truncate(string(body), 512)}
	}
	return response, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// FetchItems performs a single GET and returns the elements of the
// {"items":[...]} collection envelope.
func (c *Client) FetchItems(ctx context.Context, path string) ([]json.RawMessage, error) {
	req := &Request{Method: http.MethodGet, Path: path}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, c.fetchError(req, err)
	}
	items, err := decodeEnvelope(resp.Body, "items")
	if err != nil {
		return nil, &domain.UpstreamFetchError{URL: resp.URL, StatusCode: resp.StatusCode, Err: err}
	}
	return items, nil
}

// fetchError converts a transport or status failure into the domain error.
func (c *Client) fetchError(req *Request, err error) error {
	u, _ := c.URLFor(req)
	fe := &domain.UpstreamFetchError{URL: u, Err: err}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		fe.StatusCode = httpErr.StatusCode
	}
	return fe
}

// decodeEnvelope extracts the record array under key. An empty key means the
// body itself is the array. A null or missing array is an empty page only
// when the key is present.
func decodeEnvelope(body []byte, key string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if key == "" {
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		return records, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("decode page: missing %q array", key)
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode page %q: %w", key, err)
	}
	return records, nil
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
