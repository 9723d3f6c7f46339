// Package scheduler triggers newsletter runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
	"github.com/Kdhungel/ai-newsletter-system/internal/pipeline"
)

// Trigger starts a newsletter run.
type Trigger interface {
	StartRun(ctx context.Context) (*model.Run, error)
}

// Scheduler periodically starts a newsletter run. An already-active run is
// skipped, never queued.
type Scheduler struct {
	trigger Trigger
	log     *slog.Logger
	tick    time.Duration
}

// New creates a Scheduler with the given interval.
func New(trigger Trigger, log *slog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 24 * time.Hour
	}
	return &Scheduler{trigger: trigger, log: log, tick: tick}
}

// Run starts the scheduler loop, blocking until ctx is cancelled. The first
// run fires after one full interval, not at startup, so a restart never
// double-sends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	run, err := s.trigger.StartRun(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunActive):
		s.log.Warn("scheduled run skipped, another run is active")
	case err != nil:
		s.log.Error("scheduled run", "error", err)
	default:
		s.log.Info("scheduled run finished", "run_id", run.ID, "status", run.Status)
	}
}
