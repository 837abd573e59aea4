// Package scheduler drives the periodic maintenance of the long-term store.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/memento-project/memento/internal/store"
)

// decaySchedule is how often the decay pass wakes up. Decay itself only
// acts when at least one whole day has elapsed since the last completed
// run, so waking more often than daily just narrows the catch-up window.
const decaySchedule = "@every 12h"

// DecayScheduler runs the decay pass at startup and then on a fixed
// interval until stopped.
type DecayScheduler struct {
	ltm    *store.DecayingStore
	cron   *cron.Cron
	logger *slog.Logger
}

// NewDecayScheduler creates a scheduler over ltm.
func NewDecayScheduler(ltm *store.DecayingStore, logger *slog.Logger) *DecayScheduler {
	return &DecayScheduler{
		ltm:    ltm,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start runs one immediate decay pass, then schedules the recurring ones.
// ctx bounds every pass; cancelling it makes subsequent passes no-ops.
func (s *DecayScheduler) Start(ctx context.Context) error {
	s.runOnce(ctx)

	if _, err := s.cron.AddFunc(decaySchedule, func() {
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *DecayScheduler) runOnce(ctx context.Context) {
	if err := s.ltm.DecayAll(ctx); err != nil {
		// Failed runs leave last_run untouched, so the next wake-up
		// retries the same window.
		s.logger.Error("decay pass failed", "error", err)
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *DecayScheduler) Stop() {
	<-s.cron.Stop().Done()
}
