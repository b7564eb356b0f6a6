package api

import (
	"net/http"

	apidocs "idmirror/docs"
	"idmirror/internal/coordinator"
	"idmirror/internal/domain"
	"idmirror/internal/validation"
)

// category resolves the {category} path value and returns r tagged with it.
func (s *Server) category(w http.ResponseWriter, r *http.Request) (domain.Category, *http.Request, bool) {
	cat, err := domain.ParseCategory(r.PathValue("category"))
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return "", r, false
	}
	return cat, r.WithContext(noteCategory(r, cat)), true
}

// handleList serves GET /api/v1/{category}?pageNumber=&pageSize=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	cat, r, ok := s.category(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	number, size, err := validation.ParsePageParams(q.Get("pageNumber"), q.Get("pageSize"))
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	page, err := s.reader.List(r.Context(), cat, number, size)
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSearch serves GET /api/v1/{category}/search?criteria=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	cat, r, ok := s.category(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	number, size, err := validation.ParsePageParams(q.Get("pageNumber"), q.Get("pageSize"))
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	page, err := s.reader.Search(r.Context(), cat, q.Get("criteria"), number, size)
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	cat, r, ok := s.category(w, r)
	if !ok {
		return
	}
	ack, err := s.jobs.Aggregate(r.Context(), cat, domain.TriggerOnDemand)
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	noteJob(r.Context(), ack)
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	cat, r, ok := s.category(w, r)
	if !ok {
		return
	}
	ack, err := s.jobs.Purge(r.Context(), cat, domain.TriggerOnDemand)
	if err != nil {
		s.writeDomainErr(r.Context(), w, err)
		return
	}
	noteJob(r.Context(), ack)
	writeJSON(w, http.StatusAccepted, ack)
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Categories  map[domain.Category]coordinator.State `json:"categories"`
	QueueDepth  int                                   `json:"queue_depth"`
	PendingJobs int                                   `json:"pending_jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Categories:  s.states.Snapshot(),
		QueueDepth:  s.jobs.QueueDepth(),
		PendingJobs: s.jobs.Pending(),
	})
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apidocs.OpenAPISpec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadinessResponse represents the JSON response for the readiness check endpoint.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady verifies that the store is reachable. Returns 200 OK if all
// checks pass, 503 Service Unavailable otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ReadinessResponse{Status: "ok", Checks: map[string]string{"store": "ok"}}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks["store"] = "error"
			s.logger.ErrorContext(ctx, "readiness check failed", "check", "store", "error", err)
		}
	}
	if resp.Status != "ok" {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
