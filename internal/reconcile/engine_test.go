package reconcile

import (
	"context"
	"errors"
	"slices"
	"testing"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
	"idmirror/internal/storage"
)

func connection(id string, claims ...string) domain.Connection {
	c := domain.Connection{ExternalID: id, Name: "conn " + id, Protocol: domain.ProtocolSAML20, Active: true}
	for _, n := range claims {
		c.Claims = append(c.Claims, domain.ClaimMapping{ClaimName: n, ClaimValue: n})
	}
	return c
}

func keys(t *testing.T, s storage.Store, kind domain.ConnectionKind) []string {
	t.Helper()
	got, _, err := s.QueryConnections(context.Background(), kind, storage.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	out := make([]string, len(got))
	for i, c := range got {
		out[i] = c.ExternalID
	}
	return out
}

func TestReconcileConnections_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, observability.Discard())
	fresh := []domain.Connection{connection("a", "SAML_SUBJECT", "mail"), connection("b", "SAML_SUBJECT")}

	first, err := engine.ReconcileConnections(ctx, domain.ConnectionKindSAML, fresh)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Inserted != 2 || first.Category != domain.CategorySAML {
		t.Fatalf("first pass = %+v", first)
	}

	second, err := engine.ReconcileConnections(ctx, domain.ConnectionKindSAML, fresh)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Changed() || second.Unchanged != 2 {
		t.Fatalf("second pass must be a no-op: %+v", second)
	}
}

func TestReconcileConnections_SetEqualityAndPrune(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil)

	_, err := engine.ReconcileConnections(ctx, domain.ConnectionKindOIDC,
		[]domain.Connection{connection("a", "sub"), connection("b", "sub", "email"), connection("c", "sub")})
	if err != nil {
		t.Fatal(err)
	}

	changed := connection("b", "sub", "groups")
	res, err := engine.ReconcileConnections(ctx, domain.ConnectionKindOIDC,
		[]domain.Connection{changed, connection("d", "sub")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Deleted != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := keys(t, store, domain.ConnectionKindOIDC); !slices.Equal(got, []string{"b", "d"}) {
		t.Fatalf("persisted keys = %v", got)
	}

	got, _, _ := store.QueryConnections(ctx, domain.ConnectionKindOIDC, storage.Query{Criteria: "conn b"})
	if len(got) != 1 || !domain.SameClaims(got[0].Claims, changed.Claims) {
		t.Fatalf("claims were not replaced: %+v", got)
	}
	for _, cl := range got[0].Claims {
		if cl.ConnectionType != domain.ConnectionKindOIDC || cl.ConnectionID != "b" {
			t.Fatalf("claim not bound to parent: %+v", cl)
		}
	}

	// Pruning to the empty set removes everything.
	res, err = engine.ReconcileConnections(ctx, domain.ConnectionKindOIDC, nil)
	if err != nil || res.Deleted != 2 {
		t.Fatalf("prune all: %v %+v", err, res)
	}
	if got := keys(t, store, domain.ConnectionKindOIDC); len(got) != 0 {
		t.Fatalf("rows left: %v", got)
	}
}

func TestReconcile_UpdateKeepsSurrogateKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil)

	_, _ = engine.ReconcileApplications(ctx, []domain.Application{{Number: "APM1", Name: "Old"}})
	before, _, _ := store.QueryApplications(ctx, storage.Query{})

	res, err := engine.ReconcileApplications(ctx, []domain.Application{{Number: "APM1", Name: "New"}})
	if err != nil || res.Updated != 1 {
		t.Fatalf("update: %v %+v", err, res)
	}
	after, _, _ := store.QueryApplications(ctx, storage.Query{})
	if len(after) != 1 || after[0].ID != before[0].ID || after[0].Name != "New" {
		t.Fatalf("row replaced instead of updated: before=%+v after=%+v", before, after)
	}
}

func TestReconcile_DuplicateKeysFirstWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil)

	res, err := engine.ReconcileUsers(ctx, []domain.User{
		{SysID: "s1", EmployeeID: "E1", UserName: "first"},
		{SysID: "s2", EmployeeID: "E1", UserName: "second"},
		{SysID: "s3", UserName: "no-employee-id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 || res.Skipped != 1 || res.Fetched != 3 {
		t.Fatalf("result = %+v", res)
	}
	users, _, _ := store.QueryUsers(ctx, storage.Query{Criteria: "E1"})
	if len(users) != 1 || users[0].UserName != "first" {
		t.Fatalf("users = %+v", users)
	}
}

// failingCommit runs the transaction body against a scratch store and then
// reports a commit failure, leaving the real store untouched.
type failingCommit struct {
	storage.Store
	err error
}

func (f failingCommit) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	scratch := storage.NewMemoryStore()
	if err := scratch.WithTx(ctx, fn); err != nil {
		return err
	}
	return f.err
}

func TestReconcile_CommitFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	boom := errors.New("disk I/O error")
	engine := NewEngine(failingCommit{Store: store, err: boom}, nil)

	_, err := engine.ReconcileApplications(ctx, []domain.Application{{Number: "APM1"}})
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, boom) {
		t.Fatalf("expected PersistenceError wrapping commit failure, got %v", err)
	}
	if domain.CodeOf(err) != domain.CodePersistenceFailed {
		t.Fatalf("code = %s", domain.CodeOf(err))
	}
	if _, total, _ := store.QueryApplications(ctx, storage.Query{}); total != 0 {
		t.Fatalf("failed pass wrote %d rows", total)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil)
	_, _ = engine.ReconcileConnections(ctx, domain.ConnectionKindLegacy, []domain.Connection{connection("x", "a"), connection("y")})
	_, _ = engine.ReconcileConnections(ctx, domain.ConnectionKindSAML, []domain.Connection{connection("x", "a")})

	n, err := engine.Purge(ctx, domain.CategoryLegacy)
	if err != nil || n != 2 {
		t.Fatalf("purge: %v n=%d", err, n)
	}
	if got := keys(t, store, domain.ConnectionKindLegacy); len(got) != 0 {
		t.Fatalf("legacy rows left: %v", got)
	}
	if got := keys(t, store, domain.ConnectionKindSAML); len(got) != 1 {
		t.Fatalf("purge touched saml: %v", got)
	}

	if _, err := engine.Purge(ctx, domain.Category("bogus")); domain.CodeOf(err) != domain.CodePersistenceFailed {
		t.Fatalf("unknown category: %v", err)
	}
}
