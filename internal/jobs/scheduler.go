package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"idmirror/internal/domain"
	"idmirror/internal/observability"
)

// Scheduler dispatches aggregations on fixed per-category intervals.
type Scheduler struct {
	dispatcher *Dispatcher
	intervals  map[domain.Category]time.Duration
	logger     observability.Logger
}

// NewScheduler returns a Scheduler. Categories without a positive interval
// are never scheduled.
func NewScheduler(d *Dispatcher, intervals map[domain.Category]time.Duration, logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Scheduler{dispatcher: d, intervals: intervals, logger: logger.WithComponent("scheduler")}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for cat, every := range s.intervals {
		if every <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, cat, every)
		}()
		s.logger.Info("aggregation scheduled", "category", cat, "interval", every.String())
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, cat domain.Category, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx, cat)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, cat domain.Category) {
	_, err := s.dispatcher.Aggregate(ctx, cat, domain.TriggerScheduled)
	var conflict *domain.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		s.logger.InfoContext(ctx, "scheduled aggregation skipped", "category", cat, "reason", conflict.Error())
	default:
		s.logger.WarnContext(ctx, "scheduled aggregation failed", "category", cat, "error", err)
	}
}
