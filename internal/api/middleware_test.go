package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"idmirror/internal/observability"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rr.Header().Get(requestIDHeader); got == "" {
		t.Fatalf("expected request id header to be set")
	}
	if captured == "" || captured != rr.Header().Get(requestIDHeader) {
		t.Fatalf("expected request id in context, got %q", captured)
	}
}

func TestRequestIDMiddlewarePreservesValidIncoming(t *testing.T) {
	const original = "req-123"
	var captured string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, original)
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(requestIDHeader); got != original {
		t.Fatalf("expected request id header %q, got %q", original, got)
	}
	if captured != original {
		t.Fatalf("expected context request id %q, got %q", original, captured)
	}
}

func TestRequestIDMiddlewareReplacesInvalidIncoming(t *testing.T) {
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id\n<script>")
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(requestIDHeader); got == "" || got == "bad id\n<script>" {
		t.Fatalf("invalid request id must be replaced, got %q", got)
	}
}

func TestLoggingMiddlewareRecoversPanics(t *testing.T) {
	handler := LoggingMiddleware(observability.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/saml", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var resp apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected json error response: %v", err)
	}
	if resp.Code != "InternalError" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestRateLimitMiddlewareBlocksAfterBurstExhausted(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 5, Burst: 1}
	handler := RateLimitMiddleware(cfg, observability.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", second.Code)
	}
	var resp apiError
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected json error response: %v", err)
	}
	if resp.Error != "too many requests" {
		t.Fatalf("expected error message, got %+v", resp)
	}
	retry, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("expected Retry-After >= 1, got %q", second.Header().Get("Retry-After"))
	}

	// Wait for a token to replenish and try again.
	time.Sleep(300 * time.Millisecond)
	third := httptest.NewRecorder()
	handler.ServeHTTP(third, httptest.NewRequest(http.MethodGet, "/", nil))
	if third.Code != http.StatusOK {
		t.Fatalf("expected third request after wait to succeed, got %d", third.Code)
	}
}

func TestRateLimitMiddlewareHeaders(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, Burst: 5}
	handler := RateLimitMiddleware(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rr.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("expected X-RateLimit-Limit 10, got %q", got)
	}
	remaining, err := strconv.Atoi(rr.Header().Get("X-RateLimit-Remaining"))
	if err != nil || remaining < 0 || remaining > 5 {
		t.Fatalf("unexpected X-RateLimit-Remaining %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	now := time.Now().Unix()
	if err != nil || reset < now-1 || reset > now+2 {
		t.Fatalf("unexpected X-RateLimit-Reset %d (now %d)", reset, now)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for range 50 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected a request: %d", rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter must not set headers")
		}
	}
}

func TestRateLimitMiddlewareJobBucket(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 100, Burst: 100, JobsPerSecond: 0.01, JobBurst: 1}
	handler := RateLimitMiddleware(cfg, observability.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	do := func(method, target string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
		return rr
	}

	if rr := do(http.MethodPost, "/api/v1/oidc/aggregate"); rr.Code != http.StatusAccepted {
		t.Fatalf("first trigger: %d", rr.Code)
	}
	rr := do(http.MethodPost, "/api/v1/saml/purge")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second trigger must hit the job bucket, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "0.01" {
		t.Fatalf("limit header = %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	for range 10 {
		if rr := do(http.MethodGet, "/api/v1/oidc"); rr.Code != http.StatusAccepted {
			t.Fatalf("reads must not draw from the job bucket: %d", rr.Code)
		}
	}
}

func TestRateLimitMiddlewareOnlyJobBucket(t *testing.T) {
	cfg := RateLimitConfig{JobsPerSecond: 1, JobBurst: 1}
	handler := RateLimitMiddleware(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for range 5 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
		if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("reads are unlimited without a request bucket: %d", rr.Code)
		}
	}
}

func TestClientKeyTrustsForwardedOnlyFromProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, 192.168.1.0/24 172.16.0.1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(proxies.CIDRs) != 3 {
		t.Fatalf("cidrs = %v", proxies.CIDRs)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"trusted proxy", "10.1.2.3:5555", "203.0.113.9", "203.0.113.9"},
		{"proxy chain", "10.1.2.3:5555", "203.0.113.9, 192.168.1.4", "203.0.113.9"},
		{"spoofed leading hop", "10.1.2.3:5555", "6.6.6.6, 203.0.113.9", "203.0.113.9"},
		{"bare address proxy", "172.16.0.1:80", "198.51.100.1", "198.51.100.1"},
		{"untrusted peer", "198.51.100.7:5555", "203.0.113.9", "198.51.100.7"},
		{"no header", "10.1.2.3:5555", "", "10.1.2.3"},
		{"garbage hop", "10.1.2.3:5555", "not-an-ip", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientKey(req, proxies); got != tt.want {
				t.Fatalf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ParseTrustedProxies("not-a-cidr"); err == nil {
		t.Fatal("expected parse error")
	}
}
