package api

import (
	"context"
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64
	visitorTTL         = 5 * time.Minute
	sweepInterval      = 30 * time.Second
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares wraps h so the first middleware listed runs first.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// requestInfo is what the handlers learn once the mux has matched a route.
// LoggingMiddleware installs it and reads it back after the response.
type requestInfo struct {
	route    string
	category domain.Category
	jobID    string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// noteCategory records the matched route and category on the request log
// and the Sentry scope, and returns ctx tagged for the handler's own logs.
func noteCategory(r *http.Request, cat domain.Category) context.Context {
	ctx := r.Context()
	if info := infoFrom(ctx); info != nil {
		info.route = r.Pattern
		info.category = cat
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("category", string(cat))
	}
	return observability.WithCategory(ctx, string(cat))
}

// noteJob records the id of the job a 202 response acknowledged.
func noteJob(ctx context.Context, ack domain.JobAck) {
	if info := infoFrom(ctx); info != nil {
		info.jobID = ack.JobID.String()
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("job_id", ack.JobID.String())
	}
}

// RequestIDMiddleware propagates a caller-supplied X-Request-ID when it is
// safe to echo, and mints a UUID otherwise.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	return !strings.ContainsFunc(id, func(c rune) bool {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			return false
		case c == '-', c == '_', c == '.':
			return false
		}
		return true
	})
}

// LoggingMiddleware logs one line per request and runs it inside a Sentry
// transaction named after the matched route. The line and the transaction
// carry the category and, for accepted jobs, the job id. Panics are
// recovered and answered with a 500.
func LoggingMiddleware(logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
			}
			hub.Scope().SetRequest(r)

			info := &requestInfo{}
			ctx = context.WithValue(ctx, requestInfoKey{}, info)
			tx := sentry.StartTransaction(ctx, r.Method+" "+r.URL.Path,
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer tx.Finish()
			r = r.WithContext(tx.Context())

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				p := recover()
				if p != nil {
					hub.RecoverWithContext(r.Context(), p)
					logger.ErrorContext(r.Context(), "panic recovered", "method", r.Method, "path", r.URL.Path, "panic", p)
					writeJSON(rec, http.StatusInternalServerError, apiError{Error: "internal server error", Code: "InternalError"})
				}
				finishRequest(r, tx, info, rec.status, time.Since(start), logger)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func finishRequest(r *http.Request, tx *sentry.Span, info *requestInfo, status int, elapsed time.Duration, logger observability.Logger) {
	tx.Status = sentry.HTTPtoSpanStatus(status)
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
	}
	if info.route != "" {
		tx.Name = info.route
		tx.Source = sentry.SourceRoute
		attrs = append(attrs, "route", info.route)
	}
	if info.category != "" {
		tx.SetTag("category", string(info.category))
		attrs = append(attrs, "category", string(info.category))
	}
	if info.jobID != "" {
		tx.SetTag("job_id", info.jobID)
		attrs = append(attrs, "job_id", info.jobID)
	}

	// The request context carries no category; the attrs above do.
	ctx := r.Context()
	switch {
	case status >= 500:
		logger.ErrorContext(ctx, "request completed", attrs...)
	case status >= 400:
		logger.WarnContext(ctx, "request completed", attrs...)
	default:
		logger.InfoContext(ctx, "request completed", attrs...)
	}
}

// RateLimitConfig sets the per-client token buckets. Reads and status calls
// draw from the request bucket; POST aggregate and purge draw from the job
// bucket when it is configured.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	JobsPerSecond     float64
	JobBurst          int

	// Proxies whose X-Forwarded-For header is trusted for the client key.
	Proxies *TrustedProxyConfig
}

// Enabled reports whether any bucket is configured.
func (c RateLimitConfig) Enabled() bool {
	return c.requestsEnabled() || c.jobsEnabled()
}

func (c RateLimitConfig) requestsEnabled() bool { return c.RequestsPerSecond > 0 && c.Burst > 0 }
func (c RateLimitConfig) jobsEnabled() bool     { return c.JobsPerSecond > 0 && c.JobBurst > 0 }

// isJobTrigger matches POST /api/v1/{category}/aggregate and .../purge.
func isJobTrigger(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	p := strings.TrimSuffix(r.URL.Path, "/")
	return strings.HasSuffix(p, "/aggregate") || strings.HasSuffix(p, "/purge")
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// visitorTable holds one limiter per client key. Idle clients are swept.
type visitorTable struct {
	name      string
	perSecond float64
	burst     int

	mu        sync.Mutex
	visitors  map[string]*visitor
	nextSweep time.Time
}

func newVisitorTable(name string, perSecond float64, burst int) *visitorTable {
	return &visitorTable{name: name, perSecond: perSecond, burst: burst, visitors: make(map[string]*visitor)}
}

func (t *visitorTable) limiter(key string, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.After(t.nextSweep) {
		maps.DeleteFunc(t.visitors, func(_ string, v *visitor) bool { return now.Sub(v.seen) > visitorTTL })
		t.nextSweep = now.Add(sweepInterval)
	}
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(t.perSecond), t.burst)}
		t.visitors[key] = v
	}
	v.seen = now
	return v.limiter
}

// untilToken is how long until the limiter holds one whole token.
func (t *visitorTable) untilToken(lim *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / t.perSecond * float64(time.Second))
}

// RateLimitMiddleware enforces the buckets in cfg per client. Responses
// carry X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset for
// the bucket that applied; rejections are 429 with Retry-After.
func RateLimitMiddleware(cfg RateLimitConfig, logger observability.Logger) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = observability.Discard()
	}
	var requests, jobs *visitorTable
	if cfg.requestsEnabled() {
		requests = newVisitorTable("requests", cfg.RequestsPerSecond, cfg.Burst)
	}
	if cfg.jobsEnabled() {
		jobs = newVisitorTable("jobs", cfg.JobsPerSecond, cfg.JobBurst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			table := requests
			if jobs != nil && isJobTrigger(r) {
				table = jobs
			}
			if table == nil {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			key := clientKey(r, cfg.Proxies)
			lim := table.limiter(key, now)
			allowed := lim.AllowN(now, 1)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatFloat(table.perSecond, 'f', -1, 64))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(int(lim.TokensAt(now)), 0)))
			wait := table.untilToken(lim, now)
			h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(wait).Unix(), 10))

			if !allowed {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"bucket", table.name,
					"method", r.Method,
					"path", r.URL.Path,
					"client", key,
				)
				h.Set("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many requests", Code: "RateLimited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedProxyConfig lists the proxies whose X-Forwarded-For is believed.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a comma or space separated list of CIDRs or
// bare addresses.
func ParseTrustedProxies(raw string) (*TrustedProxyConfig, error) {
	cfg := &TrustedProxyConfig{}
	for _, s := range strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == ' ' }) {
		if addr, err := netip.ParseAddr(s); err == nil {
			cfg.CIDRs = append(cfg.CIDRs, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		cfg.CIDRs = append(cfg.CIDRs, prefix.Masked())
	}
	return cfg, nil
}

// Trusts reports whether addr belongs to a trusted proxy.
func (tc *TrustedProxyConfig) Trusts(addr netip.Addr) bool {
	if tc == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tc.CIDRs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientKey is the address the request came from. Behind trusted proxies it
// is the right-most X-Forwarded-For hop that is not itself a trusted proxy,
// so entries a client prepends are ignored.
func clientKey(r *http.Request, proxies *TrustedProxyConfig) string {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer := ap.Addr().Unmap()
	if !proxies.Trusts(peer) {
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	key := peer.String()
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		key = hop.Unmap().String()
		if !proxies.Trusts(hop) {
			break
		}
	}
	return key
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
