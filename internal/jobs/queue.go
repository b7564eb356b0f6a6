// Package jobs dispatches aggregate and purge jobs onto a queue and runs
// them on a bounded worker pool.
package jobs

import (
	"context"
	"errors"
	"sync"

	"idmirror/internal/domain"
)

var (
	// ErrQueueFull is returned when a bounded queue has no free slot.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("job queue is closed")
)

// Queue carries jobs from the dispatcher to the worker pool. Enqueue never
// blocks; Dequeue blocks until a job arrives, the queue is closed and drained,
// or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) error
	Dequeue(ctx context.Context) (domain.Job, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryQueue struct {
	mu     sync.RWMutex
	ch     chan domain.Job
	closed bool
}

// NewMemoryQueue returns an in-process queue holding up to capacity jobs.
func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &memoryQueue{ch: make(chan domain.Job, capacity)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, job domain.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (domain.Job, bool) {
	select {
	case job, ok := <-q.ch:
		return job, ok
	case <-ctx.Done():
		return domain.Job{}, false
	}
}

func (q *memoryQueue) Depth() int    { return len(q.ch) }
func (q *memoryQueue) Capacity() int { return cap(q.ch) }

// Close stops new enqueues. Jobs already queued can still be dequeued.
func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
