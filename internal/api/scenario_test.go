package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"idmirror/internal/aggregation"
	"idmirror/internal/domain"
	"idmirror/internal/jobs"
	"idmirror/internal/reconcile"
	"idmirror/internal/storage"
	"idmirror/internal/testutil"
)

type runnerFunc func(ctx context.Context, job domain.Job) (domain.ReconcileResult, error)

func (f runnerFunc) Run(ctx context.Context, job domain.Job) (domain.ReconcileResult, error) {
	return f(ctx, job)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAggregateWhileBusyConflicts(t *testing.T) {
	gate := make(chan struct{})
	cfg := testutil.DefaultTestServerConfig()
	cfg.NewRunner = func(storage.Store) jobs.Runner {
		return runnerFunc(func(ctx context.Context, job domain.Job) (domain.ReconcileResult, error) {
			<-gate
			return domain.ReconcileResult{Category: job.Category}, nil
		})
	}
	ts := testutil.NewTestServer(t, cfg)
	client := ts.HTTPClient()
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()

	before := time.Now().UTC().Add(-time.Second)
	resp := testutil.DoRequest(t, client, http.MethodPost, ts.URL("/api/v1/oidc/aggregate"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusAccepted)
	testutil.AssertHeaderExists(t, resp, "X-Request-ID")
	var ack domain.JobAck
	testutil.ReadJSONResponse(t, resp, &ack)

	if ack.StartedAt.Before(before) || !strings.Contains(ack.Message, ack.StartedAt.Format(time.RFC3339)) {
		t.Fatalf("ack message %q must carry the start time %s", ack.Message, ack.StartedAt)
	}
	if !ts.Coordinator.Busy(domain.CategoryOIDC, domain.OperationAggregate) {
		t.Fatal("oidc must be aggregating while the job runs")
	}

	resp = testutil.DoRequest(t, client, http.MethodPost, ts.URL("/api/v1/oidc/aggregate"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusConflict)
	var conflict errorBody
	testutil.ReadJSONResponse(t, resp, &conflict)
	if conflict.Code != domain.CodeAggregationInProgress {
		t.Fatalf("code = %q", conflict.Code)
	}

	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/oidc"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusConflict)
	_ = resp.Body.Close()

	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/saml"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	_ = resp.Body.Close()

	close(gate)
	waitFor(t, func() bool { return !ts.Coordinator.Busy(domain.CategoryOIDC, domain.OperationAggregate) })

	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/oidc"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	_ = resp.Body.Close()
}

type staticITSM struct {
	apps []string
}

func (s staticITSM) Applications(context.Context) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(s.apps))
	for i, a := range s.apps {
		out[i] = json.RawMessage(a)
	}
	return out, nil
}

func (staticITSM) Users(context.Context) ([]json.RawMessage, error) { return nil, nil }

func TestAggregateListSearchPurge(t *testing.T) {
	cfg := testutil.DefaultTestServerConfig()
	cfg.EnableMetrics = true
	cfg.NewRunner = func(store storage.Store) jobs.Runner {
		return aggregation.NewService(aggregation.Config{
			ITSM: staticITSM{apps: []string{
				`{"number":"APM2","name":"Payroll"}`,
				`{"number":"APM1","name":"Ledger"}`,
				`{"number":"APM3","name":"Payroll Archive"}`,
			}},
			Engine: reconcile.NewEngine(store, nil),
		})
	}
	ts := testutil.NewTestServer(t, cfg)
	client := ts.HTTPClient()

	resp := testutil.DoRequest(t, client, http.MethodPost, ts.URL("/api/v1/applications/aggregate"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusAccepted)
	_ = resp.Body.Close()
	waitFor(t, func() bool { return ts.Dispatcher.Pending() == 0 })

	var page struct {
		Total int                  `json:"total"`
		Items []domain.Application `json:"items"`
	}
	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/applications?pageNumber=1&pageSize=2"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	testutil.ReadJSONResponse(t, resp, &page)
	if page.Total != 3 || len(page.Items) != 2 || page.Items[0].Number != "APM1" {
		t.Fatalf("page = %+v", page)
	}

	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/applications/search?criteria=payroll"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusOK)
	testutil.ReadJSONResponse(t, resp, &page)
	if page.Total != 2 {
		t.Fatalf("search total = %d", page.Total)
	}

	resp = testutil.DoRequest(t, client, http.MethodPost, ts.URL("/api/v1/applications/purge"), nil)
	testutil.AssertStatus(t, resp.StatusCode, http.StatusAccepted)
	_ = resp.Body.Close()
	waitFor(t, func() bool { return ts.Dispatcher.Pending() == 0 })

	resp = testutil.DoRequest(t, client, http.MethodGet, ts.URL("/api/v1/applications"), nil)
	testutil.ReadJSONResponse(t, resp, &page)
	if page.Total != 0 || page.Items == nil {
		t.Fatalf("after purge = %+v", page)
	}

	if ts.Metrics.JobCount("applications", "aggregate", "success") != 1 ||
		ts.Metrics.JobCount("applications", "purge", "success") != 1 {
		t.Fatal("job metrics not recorded")
	}
}
