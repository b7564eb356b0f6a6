package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"idmirror/internal/coordinator"
	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

type fakeReader struct {
	calls    int
	criteria string
	number   int
	size     int
	err      error
}

func (f *fakeReader) List(_ context.Context, cat domain.Category, number, size int) (domain.PageResult, error) {
	f.calls++
	f.number, f.size = number, size
	if f.err != nil {
		return domain.PageResult{}, f.err
	}
	return domain.PageResult{Category: cat, Items: []domain.Application{}, PageNumber: 1, PageSize: 10}, nil
}

func (f *fakeReader) Search(_ context.Context, cat domain.Category, criteria string, number, size int) (domain.PageResult, error) {
	f.calls++
	f.criteria = criteria
	if strings.TrimSpace(criteria) == "" {
		return domain.PageResult{}, &domain.ValidationError{Field: "criteria", Reason: "cannot be empty", ErrCode: domain.CodeInvalidSearchCriteria}
	}
	return domain.PageResult{Category: cat, Items: []domain.Connection{}, PageNumber: 1, PageSize: 10}, nil
}

type fakeJobs struct {
	category domain.Category
	op       domain.Operation
	lastID   uuid.UUID
	err      error
}

func (f *fakeJobs) Aggregate(_ context.Context, cat domain.Category, _ domain.Trigger) (domain.JobAck, error) {
	return f.ack(cat, domain.OperationAggregate)
}

func (f *fakeJobs) Purge(_ context.Context, cat domain.Category, _ domain.Trigger) (domain.JobAck, error) {
	return f.ack(cat, domain.OperationPurge)
}

func (f *fakeJobs) ack(cat domain.Category, op domain.Operation) (domain.JobAck, error) {
	f.category, f.op = cat, op
	if f.err != nil {
		return domain.JobAck{}, f.err
	}
	f.lastID = uuid.New()
	return domain.JobAck{JobID: f.lastID, Category: cat, Operation: op, Message: "started"}, nil
}

func (f *fakeJobs) Pending() int    { return 2 }
func (f *fakeJobs) QueueDepth() int { return 1 }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	reader  *fakeReader
	jobs    *fakeJobs
	handler http.Handler
}

func newFixture(t *testing.T, store Pinger) *fixture {
	t.Helper()
	return newFixtureWithLogger(t, store, observability.Discard())
}

func newFixtureWithLogger(t *testing.T, store Pinger, logger observability.Logger) *fixture {
	t.Helper()
	f := &fixture{reader: &fakeReader{}, jobs: &fakeJobs{}}
	srv := NewServer(http.NewServeMux(), Deps{
		Reader:  f.reader,
		Jobs:    f.jobs,
		States:  coordinator.New(),
		Store:   store,
		Logger:  logger,
		Metrics: observability.NewMetrics(observability.DefaultMetricsConfig()),
	})
	srv.RegisterRoutes()
	f.handler = srv.Handler(RateLimitConfig{})
	return f
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decodeErr(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return e
}

func TestList_PassesParsedPageParams(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/api/v1/applications?pageNumber=3&pageSize=25")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.reader.number != 3 || f.reader.size != 25 {
		t.Fatalf("page params = %d/%d", f.reader.number, f.reader.size)
	}
	if !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("empty page must encode items as []: %s", rr.Body.String())
	}

	rr = f.do(http.MethodGet, "/api/v1/applications")
	if rr.Code != http.StatusOK || f.reader.number != 0 || f.reader.size != 0 {
		t.Fatalf("omitted params must reach the service as defaults: %d %d/%d", rr.Code, f.reader.number, f.reader.size)
	}
}

func TestList_InvalidPageParams(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		target string
		code   string
	}{
		{"/api/v1/saml?pageNumber=0", domain.CodeInvalidPageNumber},
		{"/api/v1/saml?pageNumber=abc", domain.CodeInvalidPageNumber},
		{"/api/v1/saml?pageSize=-5", domain.CodeInvalidPageSize},
	}
	for _, tt := range tests {
		rr := f.do(http.MethodGet, tt.target)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tt.target, rr.Code)
		}
		if e := decodeErr(t, rr); e.Code != tt.code {
			t.Fatalf("%s: code = %q, want %q", tt.target, e.Code, tt.code)
		}
	}
	if f.reader.calls != 0 {
		t.Fatalf("invalid input must not reach the service")
	}
}

func TestUnknownCategory(t *testing.T) {
	f := newFixture(t, nil)
	for _, rr := range []*httptest.ResponseRecorder{
		f.do(http.MethodGet, "/api/v1/groups"),
		f.do(http.MethodPost, "/api/v1/groups/aggregate"),
		f.do(http.MethodGet, "/api/v1/groups/search?criteria=x"),
	} {
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
		if e := decodeErr(t, rr); e.Code != domain.CodeUnknownCategory {
			t.Fatalf("code = %q", e.Code)
		}
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/api/v1/oidc/search?criteria=payroll")
	if rr.Code != http.StatusOK || f.reader.criteria != "payroll" {
		t.Fatalf("search: %d criteria=%q", rr.Code, f.reader.criteria)
	}

	rr = f.do(http.MethodGet, "/api/v1/oidc/search")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty criteria, got %d", rr.Code)
	}
	if e := decodeErr(t, rr); e.Code != domain.CodeInvalidSearchCriteria {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestAggregateAndPurge(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodPost, "/api/v1/legacy/aggregate")
	if rr.Code != http.StatusAccepted || f.jobs.category != domain.CategoryLegacy || f.jobs.op != domain.OperationAggregate {
		t.Fatalf("aggregate: %d %s %s", rr.Code, f.jobs.category, f.jobs.op)
	}
	rr = f.do(http.MethodPost, "/api/v1/users/purge")
	if rr.Code != http.StatusAccepted || f.jobs.op != domain.OperationPurge {
		t.Fatalf("purge: %d %s", rr.Code, f.jobs.op)
	}

	f.jobs.err = &domain.ConflictError{Category: domain.CategoryUsers, InProgress: domain.OperationPurge}
	rr = f.do(http.MethodPost, "/api/v1/users/aggregate")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if e := decodeErr(t, rr); e.Code != domain.CodePurgeInProgress {
		t.Fatalf("code = %q", e.Code)
	}

	if rr := f.do(http.MethodGet, "/api/v1/users/aggregate"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestInternalErrorsAre500(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.err = &domain.PersistenceError{Op: "query saml", Err: errors.New("disk gone")}
	rr := f.do(http.MethodGet, "/api/v1/saml")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	e := decodeErr(t, rr)
	if e.Code != domain.CodePersistenceFailed || e.Error != "internal error" || !strings.Contains(e.Detail, "disk gone") {
		t.Fatalf("error body = %+v", e)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/api/v1/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Categories  map[string]string `json:"categories"`
		QueueDepth  int               `json:"queue_depth"`
		PendingJobs int               `json:"pending_jobs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Categories) != len(domain.Categories) || body.Categories["saml"] != "idle" {
		t.Fatalf("categories = %v", body.Categories)
	}
	if body.QueueDepth != 1 || body.PendingJobs != 2 {
		t.Fatalf("status = %+v", body)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := newFixture(t, pingFunc(func(context.Context) error { return nil }))
	if rr := healthy.do(http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
	if rr := healthy.do(http.MethodGet, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rr.Code)
	}

	down := newFixture(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	rr := down.do(http.MethodGet, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp ReadinessResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "unhealthy" || resp.Checks["store"] != "error" {
		t.Fatalf("readiness = %+v", resp)
	}
}

func TestOpenAPISpec(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/openapi.yaml")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/yaml" {
		t.Fatalf("openapi: %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), "/api/v1/{category}/aggregate") {
		t.Fatal("openapi document missing aggregate route")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/v1/saml")
	rr := f.do(http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics body missing request counter: %s", rr.Body.String())
	}
}

func requestLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		if entry["msg"] == "request completed" {
			out = append(out, entry)
		}
	}
	return out
}

func TestRequestLogCarriesRouteCategoryAndJob(t *testing.T) {
	buf := &bytes.Buffer{}
	f := newFixtureWithLogger(t, nil, observability.NewLogger(observability.Config{Level: "info", Output: buf}))

	if rr := f.do(http.MethodPost, "/api/v1/oidc/aggregate"); rr.Code != http.StatusAccepted {
		t.Fatalf("aggregate = %d", rr.Code)
	}
	f.do(http.MethodGet, "/api/v1/saml?pageNumber=0")
	f.do(http.MethodGet, "/healthz")

	lines := requestLines(t, buf)
	if len(lines) != 3 {
		t.Fatalf("expected 3 request lines, got %d", len(lines))
	}
	accepted := lines[0]
	if accepted["route"] != "POST /api/v1/{category}/aggregate" ||
		accepted["category"] != "oidc" ||
		accepted["job_id"] != f.jobs.lastID.String() {
		t.Fatalf("accepted line = %v", accepted)
	}
	if accepted["request_id"] == nil || accepted["request_id"] == "" {
		t.Fatalf("request id missing: %v", accepted)
	}

	rejected := lines[1]
	if rejected["category"] != "saml" || rejected["level"] != "WARN" {
		t.Fatalf("rejected line = %v", rejected)
	}
	if _, ok := rejected["job_id"]; ok {
		t.Fatalf("no job was queued: %v", rejected)
	}

	if _, ok := lines[2]["category"]; ok {
		t.Fatalf("health check has no category: %v", lines[2])
	}
}
