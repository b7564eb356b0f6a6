package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job domain.Job) (domain.ReconcileResult, error)
}

// Releaser is told when a job has finished, successfully or not.
type Releaser interface {
	Done(id uuid.UUID)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers  int
	Queue    Queue
	Runner   Runner
	Releaser Releaser
	Metrics  *observability.Metrics
	Logger   observability.Logger
}

// Pool runs queued jobs on a fixed number of workers.
type Pool struct {
	cfg    PoolConfig
	logger observability.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool returns a stopped Pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Pool{cfg: cfg, logger: logger.WithComponent("worker")}
}

// Start launches the workers. Jobs run on a context detached from ctx's
// cancellation, so stopping the pool never interrupts a running pass.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop stops taking new jobs and waits for in-flight ones, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		job, ok := p.cfg.Queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.execute(context.WithoutCancel(ctx), worker, job)
	}
}

func (p *Pool) execute(ctx context.Context, worker int, job domain.Job) {
	ctx = observability.WithJob(ctx, job.ID.String(), string(job.Category))
	start := time.Now()

	defer func() {
		if p.cfg.Releaser != nil {
			p.cfg.Releaser.Done(job.ID)
		}
	}()

	res, err := p.safeRun(ctx, job)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
		p.logger.ErrorContext(ctx, "job failed",
			"worker", worker,
			"operation", job.Operation,
			"duration_ms", elapsed.Milliseconds(),
			"code", domain.CodeOf(err),
			"error", err)
		report(job, err)
	} else {
		p.logger.InfoContext(ctx, "job complete",
			"worker", worker,
			"operation", job.Operation,
			"duration_ms", elapsed.Milliseconds(),
			"inserted", res.Inserted,
			"updated", res.Updated,
			"deleted", res.Deleted,
			"skipped", res.Skipped)
	}
	p.cfg.Metrics.RecordJob(string(job.Category), string(job.Operation), status, elapsed)
}

// safeRun turns a panicking runner into an error.
func (p *Pool) safeRun(ctx context.Context, job domain.Job) (res domain.ReconcileResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.cfg.Runner.Run(ctx, job)
}

func report(job domain.Job, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("category", string(job.Category))
		scope.SetTag("operation", string(job.Operation))
		scope.SetTag("trigger", string(job.Trigger))
		scope.SetTag("code", domain.CodeOf(err))
		scope.SetExtra("job_id", job.ID.String())
		hub.CaptureException(err)
	})
}
