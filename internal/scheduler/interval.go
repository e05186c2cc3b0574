package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Ning0612/Incsync/internal/logger"
)

// IntervalScheduler runs a sync every Interval. The interval is measured
// from the end of one run to the start of the next, so a slow run delays
// the schedule instead of queueing runs behind it.
type IntervalScheduler struct {
	loop

	config Config
	runner SyncRunner
	log    logger.Logger
}

// NewIntervalScheduler creates a new interval-based scheduler
func NewIntervalScheduler(config Config, runner SyncRunner) (*IntervalScheduler, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if runner == nil {
		return nil, fmt.Errorf("sync runner cannot be nil")
	}

	return &IntervalScheduler{
		loop:   newLoop(),
		config: config,
		runner: runner,
		log:    logger.With("component", "scheduler", "mode", ModeInterval),
	}, nil
}

// Start begins the scheduling loop
func (s *IntervalScheduler) Start(ctx context.Context) error {
	setup := func() error {
		if !s.config.RunOnStart {
			s.stats.nextRunTime = time.Now().Add(s.config.Interval)
		}
		return nil
	}
	if err := s.start(ctx, setup, s.run, nil); err != nil {
		return err
	}

	s.log.Info("scheduler started",
		"interval", s.config.Interval,
		"run_on_start", s.config.RunOnStart,
	)
	return nil
}

func (s *IntervalScheduler) run(ctx context.Context, stop <-chan struct{}) {
	if s.config.RunOnStart {
		s.runOnce(ctx)
	}

	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.config.Interval)
		}
	}
}

func (s *IntervalScheduler) runOnce(ctx context.Context) {
	s.stats.setNext(time.Time{})
	execute(ctx, s.runner, &s.stats)
	s.stats.setNext(time.Now().Add(s.config.Interval))
}

// Stop waits for a run in flight to finish and ends the loop
func (s *IntervalScheduler) Stop() error {
	if err := s.halt(); err != nil {
		return err
	}
	s.log.Info("scheduler stopped")
	return nil
}
