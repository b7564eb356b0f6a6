// Package api exposes the mirror over REST: paged list and search reads,
// on-demand aggregate and purge jobs, and status and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"

	"idmirror/internal/coordinator"
	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

type apiError struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Reader answers list and search requests.
type Reader interface {
	List(ctx context.Context, category domain.Category, pageNumber, pageSize int) (domain.PageResult, error)
	Search(ctx context.Context, category domain.Category, criteria string, pageNumber, pageSize int) (domain.PageResult, error)
}

// JobDispatcher claims a category and queues an aggregate or purge job.
type JobDispatcher interface {
	Aggregate(ctx context.Context, category domain.Category, trigger domain.Trigger) (domain.JobAck, error)
	Purge(ctx context.Context, category domain.Category, trigger domain.Trigger) (domain.JobAck, error)
	Pending() int
	QueueDepth() int
}

// StateReporter exposes the per-category coordinator state.
type StateReporter interface {
	Snapshot() map[domain.Category]coordinator.State
}

// Pinger checks a backing dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Reader  Reader
	Jobs    JobDispatcher
	States  StateReporter
	Store   Pinger
	Logger  observability.Logger
	Metrics *observability.Metrics
}

// Server routes REST requests to the query service and the job dispatcher.
type Server struct {
	mux     *http.ServeMux
	reader  Reader
	jobs    JobDispatcher
	states  StateReporter
	store   Pinger
	logger  observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a new HTTP server with the given dependencies.
// If the logger is nil, a default logger will be used.
// If metrics is nil, the /metrics endpoint is not registered.
func NewServer(mux *http.ServeMux, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Server{
		mux:     mux,
		reader:  deps.Reader,
		jobs:    deps.Jobs,
		states:  deps.States,
		store:   deps.Store,
		logger:  logger.WithComponent("api"),
		metrics: deps.Metrics,
	}
}

// RegisterRoutes registers every route on the server mux.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/{category}", s.handleList)
	s.mux.HandleFunc("GET /api/v1/{category}/search", s.handleSearch)
	s.mux.HandleFunc("POST /api/v1/{category}/aggregate", s.handleAggregate)
	s.mux.HandleFunc("POST /api/v1/{category}/purge", s.handlePurge)
}

// Handler wraps the mux in the standard middleware chain.
func (s *Server) Handler(rl RateLimitConfig) http.Handler {
	return ApplyMiddlewares(s.mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		observability.MetricsMiddleware(s.metrics),
		RateLimitMiddleware(rl, s.logger),
	)
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, status int, code, msg, detail string) {
	fields := []any{
		"status", status,
		"code", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if status >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", status, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, status, apiError{Error: msg, Code: code, Detail: detail})
}

// writeDomainErr maps the error taxonomy onto HTTP status codes. Anything
// outside the taxonomy is a 500.
func (s *Server) writeDomainErr(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		conflict *domain.ConflictError
		invalid  *domain.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		s.writeErr(ctx, w, http.StatusConflict, conflict.Code(), conflict.Error(), "")
	case errors.As(err, &invalid) && invalid.Code() == domain.CodeUnknownCategory:
		s.writeErr(ctx, w, http.StatusNotFound, invalid.Code(), invalid.Error(), "")
	case errors.As(err, &invalid):
		s.writeErr(ctx, w, http.StatusBadRequest, invalid.Code(), invalid.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, domain.CodeOf(err), "internal error", err.Error())
	}
}
