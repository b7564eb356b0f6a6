//go:build sqlite

// Package sqlite implements the mirror store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"idmirror/internal/domain"
	"idmirror/internal/storage"
)

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens the database at dsn and applies pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) QueryConnections(ctx context.Context, kind domain.ConnectionKind, q storage.Query) ([]domain.Connection, int, error) {
	def, err := connectionDef(kind)
	if err != nil {
		return nil, 0, err
	}
	out, total, err := query(ctx, s.db, def, q)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.ExternalID
	}
	if err := attachClaims(ctx, s.db, kind, out, ids); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) QueryApplications(ctx context.Context, q storage.Query) ([]domain.Application, int, error) {
	return query(ctx, s.db, applicationDef, q)
}

func (s *Store) QueryUsers(ctx context.Context, q storage.Query) ([]domain.User, int, error) {
	return query(ctx, s.db, userDef, q)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type sqlTx struct {
	q querier
}

func (t *sqlTx) Connections(kind domain.ConnectionKind) storage.Table[domain.Connection] {
	def, err := connectionDef(kind)
	if err != nil {
		return errTable[domain.Connection]{err: err}
	}
	return &connTable{table: table[domain.Connection]{q: t.q, def: def}, kind: kind}
}

func (t *sqlTx) Applications() storage.Table[domain.Application] {
	return &table[domain.Application]{q: t.q, def: applicationDef}
}

func (t *sqlTx) Users() storage.Table[domain.User] {
	return &table[domain.User]{q: t.q, def: userDef}
}
