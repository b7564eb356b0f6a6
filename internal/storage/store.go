package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"idmirror/internal/domain"
)

// memState is one committed snapshot of the mirror. keys indexes each
// table's stable keys by table name; it is built lazily inside a
// transaction and never cloned.
type memState struct {
	conns map[domain.ConnectionKind]map[int64]domain.Connection
	apps  map[int64]domain.Application
	users map[int64]domain.User
	next  int64
	keys  map[string]map[string]int64
}

func newMemState() *memState {
	s := &memState{
		conns: make(map[domain.ConnectionKind]map[int64]domain.Connection),
		apps:  make(map[int64]domain.Application),
		users: make(map[int64]domain.User),
		next:  1,
	}
	for _, k := range domain.ConnectionKinds {
		s.conns[k] = make(map[int64]domain.Connection)
	}
	return s
}

func (s *memState) clone() *memState {
	c := &memState{
		conns: make(map[domain.ConnectionKind]map[int64]domain.Connection, len(s.conns)),
		apps:  maps.Clone(s.apps),
		users: maps.Clone(s.users),
		next:  s.next,
	}
	for k, rows := range s.conns {
		c.conns[k] = maps.Clone(rows)
	}
	return c
}

// MemoryStore is an in-memory implementation for quick start and tests.
// Transactions work on a private copy that replaces the committed state on
// success; writers are serialized.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithTx runs fn against a copy of the committed state.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) QueryConnections(ctx context.Context, kind domain.ConnectionKind, q Query) ([]domain.Connection, int, error) {
	m.mu.RLock()
	rows := slices.Collect(maps.Values(m.state.conns[kind]))
	m.mu.RUnlock()
	rows = slices.DeleteFunc(rows, func(c domain.Connection) bool {
		return !matches(q.Criteria, c.Name, c.EntityID, c.ExternalID)
	})
	out, total := page(rows, q, domain.Connection.StableKey)
	for i := range out {
		out[i].Claims = slices.Clone(out[i].Claims)
	}
	return out, total, nil
}

func (m *MemoryStore) QueryApplications(ctx context.Context, q Query) ([]domain.Application, int, error) {
	m.mu.RLock()
	rows := slices.Collect(maps.Values(m.state.apps))
	m.mu.RUnlock()
	rows = slices.DeleteFunc(rows, func(a domain.Application) bool {
		return !matches(q.Criteria, a.Number, a.Name, a.ShortDescription)
	})
	out, total := page(rows, q, domain.Application.StableKey)
	return out, total, nil
}

func (m *MemoryStore) QueryUsers(ctx context.Context, q Query) ([]domain.User, int, error) {
	m.mu.RLock()
	rows := slices.Collect(maps.Values(m.state.users))
	m.mu.RUnlock()
	rows = slices.DeleteFunc(rows, func(u domain.User) bool {
		return !matches(q.Criteria, u.EmployeeID, u.UserName, u.Email, u.FirstName, u.LastName)
	})
	out, total := page(rows, q, domain.User.StableKey)
	return out, total, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func matches(criteria string, fields ...string) bool {
	if criteria == "" {
		return true
	}
	needle := strings.ToLower(criteria)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

func page[T any](rows []T, q Query, key func(T) string) ([]T, int) {
	slices.SortFunc(rows, func(a, b T) int { return strings.Compare(key(a), key(b)) })
	total := len(rows)
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return rows[start:end], total
}

type memTx struct {
	state *memState
}

func (t *memTx) Connections(kind domain.ConnectionKind) Table[domain.Connection] {
	rows, ok := t.state.conns[kind]
	if !ok {
		rows = make(map[int64]domain.Connection)
		t.state.conns[kind] = rows
	}
	return &memTable[domain.Connection]{
		state: t.state,
		rows:  rows,
		index: keyIndex(t.state, "connections/"+string(kind), rows, domain.Connection.StableKey),
		key:   domain.Connection.StableKey,
		prepare: func(c domain.Connection, id int64) domain.Connection {
			c.ID = id
			c.Kind = kind
			c.Claims = slices.Clone(c.Claims)
			c.BindClaims()
			return c
		},
	}
}

func (t *memTx) Applications() Table[domain.Application] {
	return &memTable[domain.Application]{
		state:   t.state,
		rows:    t.state.apps,
		index:   keyIndex(t.state, "applications", t.state.apps, domain.Application.StableKey),
		key:     domain.Application.StableKey,
		prepare: func(a domain.Application, id int64) domain.Application { a.ID = id; return a },
	}
}

func (t *memTx) Users() Table[domain.User] {
	return &memTable[domain.User]{
		state:   t.state,
		rows:    t.state.users,
		index:   keyIndex(t.state, "users", t.state.users, domain.User.StableKey),
		key:     domain.User.StableKey,
		prepare: func(u domain.User, id int64) domain.User { u.ID = id; return u },
	}
}

// keyIndex returns the stable key index of the named table, building it
// from rows on first use in this state.
func keyIndex[T any](s *memState, name string, rows map[int64]T, key func(T) string) map[string]int64 {
	if idx, ok := s.keys[name]; ok {
		return idx
	}
	if s.keys == nil {
		s.keys = make(map[string]map[string]int64)
	}
	idx := make(map[string]int64, len(rows))
	for id, row := range rows {
		idx[key(row)] = id
	}
	s.keys[name] = idx
	return idx
}

// memTable enforces the unique stable key the SQL schemas declare.
type memTable[T any] struct {
	state   *memState
	rows    map[int64]T
	index   map[string]int64
	key     func(T) string
	prepare func(T, int64) T
}

func (t *memTable[T]) LoadAll(ctx context.Context) ([]T, error) {
	return slices.Collect(maps.Values(t.rows)), nil
}

func (t *memTable[T]) Insert(ctx context.Context, rec T) (int64, error) {
	key := t.key(rec)
	if err := t.checkUnique(key, 0); err != nil {
		return 0, err
	}
	id := t.state.next
	t.state.next++
	t.rows[id] = t.prepare(rec, id)
	t.index[key] = id
	return id, nil
}

func (t *memTable[T]) Update(ctx context.Context, id int64, rec T) error {
	old, ok := t.rows[id]
	if !ok {
		return fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	key := t.key(rec)
	if err := t.checkUnique(key, id); err != nil {
		return err
	}
	delete(t.index, t.key(old))
	t.rows[id] = t.prepare(rec, id)
	t.index[key] = id
	return nil
}

func (t *memTable[T]) Delete(ctx context.Context, id int64) error {
	row, ok := t.rows[id]
	if !ok {
		return fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	delete(t.rows, id)
	delete(t.index, t.key(row))
	return nil
}

func (t *memTable[T]) DeleteAll(ctx context.Context) (int, error) {
	n := len(t.rows)
	clear(t.rows)
	clear(t.index)
	return n, nil
}

func (t *memTable[T]) checkUnique(key string, self int64) error {
	if id, ok := t.index[key]; ok && id != self {
		return fmt.Errorf("key %q: %w", key, ErrConflict)
	}
	return nil
}
