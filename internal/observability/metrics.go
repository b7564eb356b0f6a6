package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: idmirror).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "idmirror",
		Version:   "dev",
	}
}

// Metrics collects HTTP and job metrics and serves them in Prometheus text
// format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	namespace string
	version   string

	mu sync.RWMutex
	// key = "method:path:status"
	httpRequestCounts map[string]*atomic.Int64
	// key = "method:path"
	httpDurations map[string]*durationCollector
	// key = "category:operation:status"
	jobCounts map[string]*atomic.Int64
	// key = "category:operation"
	jobDurations map[string]*durationCollector
	// key = category
	lastReconcile map[string]reconcileGauge

	rateLimitRejected atomic.Int64
}

type reconcileGauge struct {
	inserted, updated, deleted, skipped int
}

// durationCollector keeps a sliding window of samples for quantiles.
type durationCollector struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

func newDurationCollector(maxSize int) *durationCollector {
	return &durationCollector{samples: make([]float64, 0, maxSize), maxSize: maxSize}
}

func (d *durationCollector) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) >= d.maxSize {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:len(d.samples)-1]
	}
	d.samples = append(d.samples, duration.Seconds())
}

func (d *durationCollector) snapshot() (sorted []float64, sum float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sorted = make([]float64, len(d.samples))
	copy(sorted, d.samples)
	sort.Float64s(sorted)
	for _, s := range sorted {
		sum += s
	}
	return sorted, sum
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "idmirror"
	}
	return &Metrics{
		namespace:         cfg.Namespace,
		version:           cfg.Version,
		httpRequestCounts: make(map[string]*atomic.Int64),
		httpDurations:     make(map[string]*durationCollector),
		jobCounts:         make(map[string]*atomic.Int64),
		jobDurations:      make(map[string]*durationCollector),
		lastReconcile:     make(map[string]reconcileGauge),
	}
}

func (m *Metrics) counter(set map[string]*atomic.Int64, key string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := set[key]
	if !ok {
		c = &atomic.Int64{}
		set[key] = c
	}
	return c
}

func (m *Metrics) collector(set map[string]*durationCollector, key string) *durationCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := set[key]
	if !ok {
		c = newDurationCollector(1000)
		set[key] = c
	}
	return c
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	path = normalizePath(path)
	m.counter(m.httpRequestCounts, fmt.Sprintf("%s:%s:%d", method, path, statusCode)).Add(1)
	m.collector(m.httpDurations, method+":"+path).add(duration)
	if statusCode == http.StatusTooManyRequests {
		m.rateLimitRejected.Add(1)
	}
}

// RecordJob records the outcome of one background job.
func (m *Metrics) RecordJob(category, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.counter(m.jobCounts, category+":"+operation+":"+status).Add(1)
	m.collector(m.jobDurations, category+":"+operation).add(duration)
}

// RecordReconcile stores the counts of the latest reconciliation pass.
func (m *Metrics) RecordReconcile(category string, inserted, updated, deleted, skipped int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lastReconcile[category] = reconcileGauge{inserted, updated, deleted, skipped}
	m.mu.Unlock()
}

// JobCount returns the counter for a category/operation/status triple.
func (m *Metrics) JobCount(category, operation, status string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.jobCounts[category+":"+operation+":"+status]; ok {
		return c.Load()
	}
	return 0
}

// normalizePath replaces numeric and UUID segments with {id}.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler returns an http.Handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WritePrometheus(w)
	})
}

// WritePrometheus writes all metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	ns := m.namespace
	fmt.Fprintf(w, "# HELP %s_info Application information\n", ns)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", ns, m.version)

	m.mu.RLock()
	defer m.mu.RUnlock()

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", ns)
	for _, key := range sortedKeys(m.httpRequestCounts) {
		parts := strings.SplitN(key, ":", 3)
		fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			ns, parts[0], parts[1], parts[2], m.httpRequestCounts[key].Load())
	}
	fmt.Fprintln(w)

	writeSummary(w, ns+"_http_request_duration_seconds", "HTTP request duration in seconds",
		m.httpDurations, []string{"method", "path"})

	fmt.Fprintf(w, "# HELP %s_jobs_total Background jobs by outcome\n", ns)
	fmt.Fprintf(w, "# TYPE %s_jobs_total counter\n", ns)
	for _, key := range sortedKeys(m.jobCounts) {
		parts := strings.SplitN(key, ":", 3)
		fmt.Fprintf(w, "%s_jobs_total{category=%q,operation=%q,status=%q} %d\n",
			ns, parts[0], parts[1], parts[2], m.jobCounts[key].Load())
	}
	fmt.Fprintln(w)

	writeSummary(w, ns+"_job_duration_seconds", "Background job duration in seconds",
		m.jobDurations, []string{"category", "operation"})

	fmt.Fprintf(w, "# HELP %s_reconcile_rows Rows written by the latest reconciliation pass\n", ns)
	fmt.Fprintf(w, "# TYPE %s_reconcile_rows gauge\n", ns)
	cats := make([]string, 0, len(m.lastReconcile))
	for c := range m.lastReconcile {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		g := m.lastReconcile[c]
		for _, row := range []struct {
			action string
			n      int
		}{{"inserted", g.inserted}, {"updated", g.updated}, {"deleted", g.deleted}, {"skipped", g.skipped}} {
			fmt.Fprintf(w, "%s_reconcile_rows{category=%q,action=%q} %d\n", ns, c, row.action, row.n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_rate_limit_rejected_total Requests rejected by the rate limiter\n", ns)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_rejected_total counter\n", ns)
	fmt.Fprintf(w, "%s_rate_limit_rejected_total %d\n", ns, m.rateLimitRejected.Load())
}

func writeSummary(w io.Writer, name, help string, set map[string]*durationCollector, labels []string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s summary\n", name)
	for _, key := range sortedKeys(set) {
		parts := strings.SplitN(key, ":", 2)
		lbl := fmt.Sprintf("%s=%q,%s=%q", labels[0], parts[0], labels[1], parts[1])
		sorted, sum := set[key].snapshot()
		for _, q := range []float64{0.5, 0.9, 0.99} {
			fmt.Fprintf(w, "%s{%s,quantile=\"%.2f\"} %.6f\n", name, lbl, q, quantile(sorted, q))
		}
		fmt.Fprintf(w, "%s_sum{%s} %.6f\n", name, lbl, sum)
		fmt.Fprintf(w, "%s_count{%s} %d\n", name, lbl, len(sorted))
	}
	fmt.Fprintln(w)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
