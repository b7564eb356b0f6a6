// Package storage defines the mirror store and its in-memory implementation.
// SQL-backed stores live in the sqlite and postgres subpackages.
package storage

import (
	"context"

	"idmirror/internal/domain"
)

// Store persists the mirror. Every write happens inside WithTx; reads go
// straight to committed state.
type Store interface {
	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. A failed commit
	// is returned as is.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// QueryConnections returns a page of connections of one kind, with
	// claims, ordered by external id, plus the total number of matches.
	QueryConnections(ctx context.Context, kind domain.ConnectionKind, q Query) ([]domain.Connection, int, error)
	// QueryApplications returns a page of applications ordered by number.
	QueryApplications(ctx context.Context, q Query) ([]domain.Application, int, error)
	// QueryUsers returns a page of users ordered by stable key.
	QueryUsers(ctx context.Context, q Query) ([]domain.User, int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases resources held by the store.
	Close() error
}

// Tx exposes one table per record family within a transaction.
type Tx interface {
	Connections(kind domain.ConnectionKind) Table[domain.Connection]
	Applications() Table[domain.Application]
	Users() Table[domain.User]
}

// Table is the write surface used by reconciliation. For connections the
// table owns the claim rows: Insert and Update replace them, Delete and
// DeleteAll remove them.
type Table[T any] interface {
	// LoadAll returns every persisted record with surrogate keys set.
	LoadAll(ctx context.Context) ([]T, error)
	// Insert stores a new record and returns its surrogate key.
	Insert(ctx context.Context, rec T) (int64, error)
	// Update overwrites the record with surrogate key id.
	Update(ctx context.Context, id int64, rec T) error
	// Delete removes the record with surrogate key id.
	Delete(ctx context.Context, id int64) error
	// DeleteAll removes every record and returns how many were removed.
	DeleteAll(ctx context.Context) (int, error)
}

// Query selects a page of records. An empty Criteria matches everything;
// otherwise it is a case-insensitive substring over the searchable fields.
// Limit <= 0 means no limit.
type Query struct {
	Criteria string
	Offset   int
	Limit    int
}
