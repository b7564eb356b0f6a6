package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

// Gate admits one mutating operation per category at a time.
type Gate interface {
	Begin(category domain.Category, op domain.Operation) (func(), error)
}

// Dispatcher claims a category, queues the job and acknowledges at once.
// The claim is held until the worker pool reports the job done.
type Dispatcher struct {
	gate   Gate
	queue  Queue
	logger observability.Logger
	now    func() time.Time

	mu       sync.Mutex
	releases map[uuid.UUID]func()
}

// NewDispatcher returns a Dispatcher feeding queue.
func NewDispatcher(gate Gate, queue Queue, logger observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Dispatcher{
		gate:     gate,
		queue:    queue,
		logger:   logger.WithComponent("jobs"),
		now:      time.Now,
		releases: make(map[uuid.UUID]func()),
	}
}

// Aggregate starts an aggregation of category.
func (d *Dispatcher) Aggregate(ctx context.Context, category domain.Category, trigger domain.Trigger) (domain.JobAck, error) {
	return d.dispatch(ctx, category, domain.OperationAggregate, trigger)
}

// Purge starts a purge of category.
func (d *Dispatcher) Purge(ctx context.Context, category domain.Category, trigger domain.Trigger) (domain.JobAck, error) {
	return d.dispatch(ctx, category, domain.OperationPurge, trigger)
}

func (d *Dispatcher) dispatch(ctx context.Context, category domain.Category, op domain.Operation, trigger domain.Trigger) (domain.JobAck, error) {
	release, err := d.gate.Begin(category, op)
	if err != nil {
		return domain.JobAck{}, err
	}

	now := d.now().UTC()
	job := domain.Job{ID: uuid.New(), Category: category, Operation: op, Trigger: trigger, RequestedAt: now}

	d.mu.Lock()
	d.releases[job.ID] = release
	d.mu.Unlock()

	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.Done(job.ID)
		return domain.JobAck{}, fmt.Errorf("enqueue %s %s: %w", op, category, err)
	}

	d.logger.InfoContext(ctx, "job dispatched",
		"job_id", job.ID.String(),
		"category", category,
		"operation", op,
		"trigger", trigger)

	return domain.JobAck{
		JobID:     job.ID,
		Category:  category,
		Operation: op,
		Message:   ackMessage(op, category, now),
		StartedAt: now,
	}, nil
}

// Done releases the category claimed for job id. Unknown ids are ignored.
func (d *Dispatcher) Done(id uuid.UUID) {
	d.mu.Lock()
	release, ok := d.releases[id]
	delete(d.releases, id)
	d.mu.Unlock()
	if ok {
		release()
	}
}

// Pending returns the number of claimed jobs not yet done.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.releases)
}

// QueueDepth reports the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int { return d.queue.Depth() }

func ackMessage(op domain.Operation, category domain.Category, at time.Time) string {
	verb := "Aggregation"
	if op == domain.OperationPurge {
		verb = "Purge"
	}
	return fmt.Sprintf("%s of %s started at %s", verb, strings.ToUpper(string(category)), at.Format(time.RFC3339))
}
