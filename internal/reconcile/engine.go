// Package reconcile makes the persisted mirror of a category equal to a
// freshly fetched set of canonical records.
package reconcile

import (
	"context"
	"fmt"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
	"idmirror/internal/storage"
)

// Record is a canonical record that can be matched against the mirror.
type Record[T any] interface {
	StableKey() string
	RowID() int64
	SameContent(T) bool
}

// Engine runs reconciliation passes against a Store.
type Engine struct {
	store  storage.Store
	logger observability.Logger
}

// NewEngine returns an Engine writing to store.
func NewEngine(store storage.Store, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Engine{store: store, logger: logger.WithComponent("reconcile")}
}

// ReconcileConnections upserts fresh into the kind's table, replaces claims of
// every written parent, and prunes connections absent from fresh.
func (e *Engine) ReconcileConnections(ctx context.Context, kind domain.ConnectionKind, fresh []domain.Connection) (domain.ReconcileResult, error) {
	norm := make([]domain.Connection, len(fresh))
	for i, c := range fresh {
		c.Kind = kind
		c.Claims = append([]domain.ClaimMapping(nil), c.Claims...)
		c.BindClaims()
		norm[i] = c
	}
	return run(ctx, e, kind.Category(), norm, func(tx storage.Tx) storage.Table[domain.Connection] {
		return tx.Connections(kind)
	})
}

// ReconcileApplications reconciles the applications table.
func (e *Engine) ReconcileApplications(ctx context.Context, fresh []domain.Application) (domain.ReconcileResult, error) {
	return run(ctx, e, domain.CategoryApplications, fresh, storage.Tx.Applications)
}

// ReconcileUsers reconciles the users table.
func (e *Engine) ReconcileUsers(ctx context.Context, fresh []domain.User) (domain.ReconcileResult, error) {
	return run(ctx, e, domain.CategoryUsers, fresh, storage.Tx.Users)
}

// Purge deletes every row of category, with claims, in one transaction.
func (e *Engine) Purge(ctx context.Context, category domain.Category) (int, error) {
	var n int
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		switch category {
		case domain.CategoryApplications:
			n, err = tx.Applications().DeleteAll(ctx)
		case domain.CategoryUsers:
			n, err = tx.Users().DeleteAll(ctx)
		default:
			kind, ok := category.ConnectionKind()
			if !ok {
				return fmt.Errorf("unknown category %q", category)
			}
			n, err = tx.Connections(kind).DeleteAll(ctx)
		}
		return err
	})
	if err != nil {
		return 0, &domain.PersistenceError{Op: "purge " + string(category), Err: err}
	}
	e.logger.InfoContext(ctx, "category purged", "category", category, "deleted", n)
	return n, nil
}

func run[T Record[T]](ctx context.Context, e *Engine, category domain.Category, fresh []T, table func(storage.Tx) storage.Table[T]) (domain.ReconcileResult, error) {
	var res domain.ReconcileResult
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = reconcileTable(ctx, table(tx), fresh)
		return err
	})
	if err != nil {
		return domain.ReconcileResult{}, &domain.PersistenceError{Op: "reconcile " + string(category), Err: err}
	}
	res.Category = category
	e.logger.InfoContext(ctx, "reconcile complete",
		"category", category,
		"fetched", res.Fetched,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deleted", res.Deleted,
		"skipped", res.Skipped)
	return res, nil
}

// reconcileTable performs one upsert-and-prune pass over tbl. The caller
// owns the transaction.
func reconcileTable[T Record[T]](ctx context.Context, tbl storage.Table[T], fresh []T) (domain.ReconcileResult, error) {
	res := domain.ReconcileResult{Fetched: len(fresh)}

	persisted, err := tbl.LoadAll(ctx)
	if err != nil {
		return res, fmt.Errorf("load: %w", err)
	}
	byKey := make(map[string]T, len(persisted))
	for _, p := range persisted {
		byKey[p.StableKey()] = p
	}

	seen := make(map[string]struct{}, len(fresh))
	for _, rec := range fresh {
		key := rec.StableKey()
		if _, dup := seen[key]; dup {
			res.Skipped++
			continue
		}
		seen[key] = struct{}{}

		old, exists := byKey[key]
		switch {
		case !exists:
			if _, err := tbl.Insert(ctx, rec); err != nil {
				return res, fmt.Errorf("insert %q: %w", key, err)
			}
			res.Inserted++
		case old.SameContent(rec):
			res.Unchanged++
		default:
			if err := tbl.Update(ctx, old.RowID(), rec); err != nil {
				return res, fmt.Errorf("update %q: %w", key, err)
			}
			res.Updated++
		}
	}

	for key, old := range byKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if err := tbl.Delete(ctx, old.RowID()); err != nil {
			return res, fmt.Errorf("prune %q: %w", key, err)
		}
		res.Deleted++
	}
	return res, nil
}
