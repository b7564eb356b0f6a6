// Package coordinator serializes aggregate, purge and read operations per
// resource category.
package coordinator

import (
	"sync"
	"sync/atomic"

	"idmirror/internal/domain"
)

// State is the lifecycle state of one category.
type State int32

const (
	Idle State = iota
	Aggregating
	Purging
)

func (s State) String() string {
	switch s {
	case Aggregating:
		return "aggregating"
	case Purging:
		return "purging"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func stateFor(op domain.Operation) (State, bool) {
	switch op {
	case domain.OperationAggregate:
		return Aggregating, true
	case domain.OperationPurge:
		return Purging, true
	}
	return Idle, false
}

func (s State) operation() domain.Operation {
	if s == Purging {
		return domain.OperationPurge
	}
	return domain.OperationAggregate
}

// Coordinator holds one atomic state per category. The map is built once and
// never mutated, so lookups need no lock.
type Coordinator struct {
	states map[domain.Category]*atomic.Int32
}

// New returns a Coordinator with every known category Idle.
func New() *Coordinator {
	c := &Coordinator{states: make(map[domain.Category]*atomic.Int32, len(domain.Categories))}
	for _, cat := range domain.Categories {
		c.states[cat] = new(atomic.Int32)
	}
	return c
}

func (c *Coordinator) slot(category domain.Category) (*atomic.Int32, error) {
	s, ok := c.states[category]
	if !ok {
		return nil, &domain.ValidationError{Field: "category", Reason: "unknown category \"" + string(category) + "\"", ErrCode: domain.CodeUnknownCategory}
	}
	return s, nil
}

// Begin moves category from Idle into the state for op. It fails with a
// ConflictError naming the operation already running. The returned release
// restores Idle and may be called more than once.
func (c *Coordinator) Begin(category domain.Category, op domain.Operation) (func(), error) {
	s, err := c.slot(category)
	if err != nil {
		return nil, err
	}
	next, ok := stateFor(op)
	if !ok {
		return nil, &domain.ValidationError{Field: "operation", Reason: "unknown operation \"" + string(op) + "\""}
	}
	for !s.CompareAndSwap(int32(Idle), int32(next)) {
		// The holder may have released since the CAS; retry while Idle.
		if cur := State(s.Load()); cur != Idle {
			return nil, &domain.ConflictError{Category: category, InProgress: cur.operation()}
		}
	}
	var once sync.Once
	return func() { once.Do(func() { s.Store(int32(Idle)) }) }, nil
}

// CheckRead fails while category is aggregating or purging.
func (c *Coordinator) CheckRead(category domain.Category) error {
	s, err := c.slot(category)
	if err != nil {
		return err
	}
	if st := State(s.Load()); st != Idle {
		return &domain.ConflictError{Category: category, InProgress: st.operation()}
	}
	return nil
}

// State returns the current state of category; unknown categories are Idle.
func (c *Coordinator) State(category domain.Category) State {
	s, ok := c.states[category]
	if !ok {
		return Idle
	}
	return State(s.Load())
}

// Busy reports whether the category is running op.
func (c *Coordinator) Busy(category domain.Category, op domain.Operation) bool {
	want, ok := stateFor(op)
	return ok && c.State(category) == want
}

// Snapshot returns the state of every category.
func (c *Coordinator) Snapshot() map[domain.Category]State {
	out := make(map[domain.Category]State, len(c.states))
	for cat, s := range c.states {
		out[cat] = State(s.Load())
	}
	return out
}
