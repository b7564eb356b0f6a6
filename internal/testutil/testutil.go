// Package testutil provides testing utilities for idmirror integration tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"idmirror/internal/api"
	"idmirror/internal/coordinator"
	"idmirror/internal/jobs"
	"idmirror/internal/observability"
	"idmirror/internal/query"
	"idmirror/internal/storage"
	"idmirror/internal/validation"
)

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// NewRunner builds the job runner over the test store. When nil no
	// worker pool is started and every dispatched job stays pending until
	// Dispatcher.Done is called.
	NewRunner func(store storage.Store) jobs.Runner
	// Workers sizes the pool when NewRunner is set.
	Workers int
	// QueueCapacity bounds the job queue.
	QueueCapacity int
	// RateLimitConfig enables rate limiting when non-zero.
	RateLimitConfig api.RateLimitConfig
	// EnableMetrics enables metrics collection.
	EnableMetrics bool
}

// DefaultTestServerConfig returns a basic test server configuration.
func DefaultTestServerConfig() TestServerConfig {
	return TestServerConfig{Workers: 1, QueueCapacity: 16}
}

// TestServerComponents holds all the components created for a test server.
type TestServerComponents struct {
	// Server is the test HTTP server.
	Server *httptest.Server
	// Store is the storage backend.
	Store *storage.MemoryStore
	// Coordinator holds per-category state.
	Coordinator *coordinator.Coordinator
	// Dispatcher claims categories and queues jobs.
	Dispatcher *jobs.Dispatcher
	// Queue feeds the worker pool.
	Queue jobs.Queue
	// Pool is nil unless NewRunner was configured.
	Pool *jobs.Pool
	// Metrics is the metrics collector.
	Metrics *observability.Metrics
	// Logger is the structured logger.
	Logger observability.Logger
	// Cleanup tears down the test server.
	Cleanup func()
}

// NewTestServer creates a fully configured test server backed by the memory
// store. The cleanup is also registered with t.Cleanup.
func NewTestServer(t *testing.T, cfg TestServerConfig) *TestServerComponents {
	t.Helper()

	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 16
	}

	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.Config{
		Level:  "debug",
		Format: "json",
		Output: io.Discard,
	})

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			Namespace: "idmirror_test",
			Version:   "test",
		})
	}

	coord := coordinator.New()
	queue := jobs.NewMemoryQueue(cfg.QueueCapacity)
	dispatcher := jobs.NewDispatcher(coord, queue, logger)

	var pool *jobs.Pool
	if cfg.NewRunner != nil {
		pool = jobs.NewPool(jobs.PoolConfig{
			Workers:  cfg.Workers,
			Queue:    queue,
			Runner:   cfg.NewRunner(store),
			Releaser: dispatcher,
			Metrics:  metrics,
			Logger:   logger,
		})
		pool.Start(context.Background())
	}

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Deps{
		Reader:  query.NewService(coord, store, validation.DefaultLimits()),
		Jobs:    dispatcher,
		States:  coord,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	srv.RegisterRoutes()

	testServer := httptest.NewServer(srv.Handler(cfg.RateLimitConfig))

	cleanup := func() {
		testServer.Close()
		if pool != nil {
			_ = pool.Stop(context.Background())
		}
		_ = store.Close()
	}
	t.Cleanup(cleanup)

	return &TestServerComponents{
		Server:      testServer,
		Store:       store,
		Coordinator: coord,
		Dispatcher:  dispatcher,
		Queue:       queue,
		Pool:        pool,
		Metrics:     metrics,
		Logger:      logger,
		Cleanup:     cleanup,
	}
}

// DoRequest performs an HTTP request and returns the response.
func DoRequest(t *testing.T, client *http.Client, method, url string, body io.Reader) *http.Response {
	t.Helper()

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// AssertStatus checks that the response has the expected status code.
func AssertStatus(t *testing.T, got, expected int) {
	t.Helper()

	if got != expected {
		t.Errorf("expected status %d, got %d", expected, got)
	}
}

// AssertHeaderExists checks that the response has the specified header.
func AssertHeaderExists(t *testing.T, resp *http.Response, key string) {
	t.Helper()

	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to exist", key)
	}
}

// AssertContains checks that the response body contains the expected string.
func AssertContains(t *testing.T, body io.Reader, expected string) {
	t.Helper()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !bytes.Contains(data, []byte(expected)) {
		t.Errorf("expected body to contain %q, got: %s", expected, string(data))
	}
}

// ReadJSONResponse reads and unmarshals a JSON response body.
func ReadJSONResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to unmarshal response: %v\nBody: %s", err, string(data))
	}
}

// HTTPClient returns the test server's client configured for the server.
func (c *TestServerComponents) HTTPClient() *http.Client {
	return c.Server.Client()
}

// URL returns the full URL for a given path.
func (c *TestServerComponents) URL(path string) string {
	return c.Server.URL + path
}
