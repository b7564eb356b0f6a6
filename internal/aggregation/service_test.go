package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
	"idmirror/internal/reconcile"
	"idmirror/internal/storage"
)

type fakeIdentity struct {
	saml, clients, policies []string
	err                     error
}

func raws(docs []string) []json.RawMessage {
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = json.RawMessage(d)
	}
	return out
}

func (f *fakeIdentity) SAMLConnections(context.Context) ([]json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return raws(f.saml), nil
}

func (f *fakeIdentity) OIDCClients(context.Context) ([]json.RawMessage, error) {
	return raws(f.clients), nil
}

func (f *fakeIdentity) OIDCPolicies(context.Context) ([]json.RawMessage, error) {
	return raws(f.policies), nil
}

func (f *fakeIdentity) DefaultPolicyID() string { return "default" }

type fakeITSM struct {
	apps, users []string
}

func (f *fakeITSM) Applications(context.Context) ([]json.RawMessage, error) { return raws(f.apps), nil }
func (f *fakeITSM) Users(context.Context) ([]json.RawMessage, error)        { return raws(f.users), nil }

func newService(t *testing.T, id IdentitySource, itsm ITSMSource) (*Service, *storage.MemoryStore, *observability.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	metrics := observability.NewMetrics(observability.DefaultMetricsConfig())
	svc := NewService(Config{
		Identity:                id,
		ITSM:                    itsm,
		Engine:                  reconcile.NewEngine(store, nil),
		Metrics:                 metrics,
		Logger:                  observability.Discard(),
		DefaultIssuanceCriteria: "N/A",
	})
	return svc, store, metrics
}

func job(cat domain.Category, op domain.Operation) domain.Job {
	return domain.Job{Category: cat, Operation: op, Trigger: domain.TriggerOnDemand}
}

var identity = &fakeIdentity{
	saml: []string{
		`{"id":"sp-1","name":"Payroll","entityId":"urn:payroll"}`,
		`{"name":"missing id"}`,
	},
	clients: []string{
		`{"clientId":"portal","name":"Portal","description":"T1|Biz|Tech|APM9","oidcPolicy":{"policyGroup":{"id":"p1"}}}`,
		`{"clientId":"sp-1","name":"Collides with SAML"}`,
	},
	policies: []string{
		`{"id":"p1","attributeContract":{"extendedAttributes":[{"name":"email"}]},"attributeMapping":{"attributeContractFulfillment":{"email":{"source":{"type":"LDAP_DATA_STORE"},"value":"mail"}}}}`,
		`{"id":"default"}`,
	},
}

func TestRun_SAMLSkipsInvalidRecords(t *testing.T) {
	svc, store, _ := newService(t, identity, nil)
	res, err := svc.Run(context.Background(), job(domain.CategorySAML, domain.OperationAggregate))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 1 || res.Skipped != 1 || res.Fetched != 2 {
		t.Fatalf("result = %+v", res)
	}
	got, _, _ := store.QueryConnections(context.Background(), domain.ConnectionKindSAML, storage.Query{})
	if len(got) != 1 || got[0].ExternalID != "sp-1" {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRun_OIDCUsesPolicies(t *testing.T) {
	svc, store, _ := newService(t, identity, nil)
	if _, err := svc.Run(context.Background(), job(domain.CategoryOIDC, domain.OperationAggregate)); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, total, _ := store.QueryConnections(context.Background(), domain.ConnectionKindOIDC, storage.Query{Criteria: "portal"})
	if total != 1 {
		t.Fatalf("portal not persisted")
	}
	if got[0].Owner.APMNumber != "APM9" || len(got[0].Claims) != 2 {
		t.Fatalf("portal = %+v", got[0])
	}
}

func TestRun_LegacyMergesBothSides(t *testing.T) {
	svc, store, metrics := newService(t, identity, nil)
	res, err := svc.Run(context.Background(), job(domain.CategoryLegacy, domain.OperationAggregate))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// sp-1 from SAML, portal from OIDC; the invalid SAML record and the OIDC collision are skipped.
	if res.Inserted != 2 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}
	got, _, _ := store.QueryConnections(context.Background(), domain.ConnectionKindLegacy, storage.Query{})
	if len(got) != 2 || got[1].ExternalID != "sp-1" || got[1].IssuanceCriteria != "N/A" {
		t.Fatalf("legacy = %+v", got)
	}

	var b strings.Builder
	metrics.WritePrometheus(&b)
	if !strings.Contains(b.String(), `idmirror_reconcile_rows{category="legacy",action="inserted"} 2`) {
		t.Fatalf("reconcile gauge missing:\n%s", b.String())
	}
}

func TestRun_FetchFailureWritesNothing(t *testing.T) {
	boom := &domain.UpstreamFetchError{URL: "https://pf/idp/spConnections", StatusCode: 503, Err: errors.New("unavailable")}
	svc, store, _ := newService(t, &fakeIdentity{err: boom}, nil)

	_, err := svc.Run(context.Background(), job(domain.CategoryLegacy, domain.OperationAggregate))
	if domain.CodeOf(err) != domain.CodeUpstreamFetchFailed {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	if got, _, _ := store.QueryConnections(context.Background(), domain.ConnectionKindLegacy, storage.Query{}); len(got) != 0 {
		t.Fatalf("failed fetch wrote rows")
	}
}

func TestRun_ITSMAndPurge(t *testing.T) {
	itsm := &fakeITSM{
		apps:  []string{`{"number":"APM1","name":"Ledger","vendor":{"link":"https://sn/core_company/1","value":"Acme"}}`},
		users: []string{`{"sys_id":"u1","employee_number":"E1","user_name":"ada"}`, `{"user_name":"nobody"}`},
	}
	svc, store, _ := newService(t, nil, itsm)
	ctx := context.Background()

	if _, err := svc.Run(ctx, job(domain.CategoryApplications, domain.OperationAggregate)); err != nil {
		t.Fatal(err)
	}
	apps, _, _ := store.QueryApplications(ctx, storage.Query{})
	if len(apps) != 1 || apps[0].Vendor != "Acme" {
		t.Fatalf("apps = %+v", apps)
	}

	res, err := svc.Run(ctx, job(domain.CategoryUsers, domain.OperationAggregate))
	if err != nil || res.Inserted != 1 || res.Skipped != 1 {
		t.Fatalf("users: %v %+v", err, res)
	}

	res, err = svc.Run(ctx, job(domain.CategoryApplications, domain.OperationPurge))
	if err != nil || res.Deleted != 1 {
		t.Fatalf("purge: %v %+v", err, res)
	}

	if _, err := svc.Run(ctx, job(domain.CategorySAML, domain.OperationAggregate)); !errors.Is(err, ErrSourceNotConfigured) {
		t.Fatalf("expected missing source, got %v", err)
	}
}
