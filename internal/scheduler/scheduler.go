// Package scheduler repeats sync runs, either on a fixed interval or
// whenever files change below the scan roots.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduling modes
const (
	ModeInterval = "interval"
	ModeWatch    = "watch"
)

// DefaultDebounce is how long the watch scheduler waits for the
// filesystem to go quiet before starting a run
const DefaultDebounce = 2 * time.Second

// Scheduler defines the interface for sync schedulers
type Scheduler interface {
	// Start begins the scheduling loop
	Start(ctx context.Context) error

	// Stop gracefully stops the scheduler
	Stop() error

	// Status returns the current scheduler status
	Status() *Status

	// Done is closed once the scheduling loop has exited
	Done() <-chan struct{}
}

// Status represents the current state of a scheduler
type Status struct {
	Running        bool
	LastRunTime    time.Time
	NextRunTime    time.Time
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	LastError      string
}

// Config contains scheduler configuration
type Config struct {
	// Mode specifies the scheduling mode ("interval" or "watch")
	Mode string

	// Interval specifies the duration between sync runs (for interval mode)
	Interval time.Duration

	// Paths are the directories to watch (for watch mode)
	Paths []string

	// Debounce is the quiet period before a watch-triggered run.
	// Defaults to DefaultDebounce.
	Debounce time.Duration

	// Filter, when set, drops watch events for files it rejects. Paths
	// without an extension and directories always pass.
	Filter func(path string) bool

	// RunOnStart triggers one run as soon as the scheduler starts
	RunOnStart bool
}

// SyncRunner is the interface that schedulers use to execute sync operations
type SyncRunner interface {
	// RunSync executes one sync pass
	RunSync(ctx context.Context) error
}

// runStats is the bookkeeping shared by every scheduler
type runStats struct {
	mu             sync.RWMutex
	running        bool
	lastRunTime    time.Time
	nextRunTime    time.Time
	totalRuns      int
	successfulRuns int
	failedRuns     int
	lastError      string
}

func (s *runStats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunTime = time.Now()
	s.totalRuns++
}

func (s *runStats) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failedRuns++
		s.lastError = err.Error()
		return
	}
	s.successfulRuns++
	s.lastError = ""
}

func (s *runStats) setNext(t time.Time) {
	s.mu.Lock()
	s.nextRunTime = t
	s.mu.Unlock()
}

func (s *runStats) status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Status{
		Running:        s.running,
		LastRunTime:    s.lastRunTime,
		NextRunTime:    s.nextRunTime,
		TotalRuns:      s.totalRuns,
		SuccessfulRuns: s.successfulRuns,
		FailedRuns:     s.failedRuns,
		LastError:      s.lastError,
	}
}

// execute runs one sync and records the outcome
func execute(ctx context.Context, runner SyncRunner, stats *runStats) {
	stats.begin()
	stats.finish(runner.RunSync(ctx))
}

// loop owns the goroutine lifecycle and run bookkeeping shared by the
// schedulers. A loop runs at most once.
type loop struct {
	stats runStats

	started  bool // guarded by stats.mu
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newLoop() loop {
	return loop{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// start calls setup while holding the stats lock, then runs body in a
// goroutine. cleanup runs after body returns and before Done is closed.
func (l *loop) start(ctx context.Context, setup func() error, body func(ctx context.Context, stop <-chan struct{}), cleanup func()) error {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	if l.stats.running {
		return fmt.Errorf("scheduler is already running")
	}
	if l.started {
		return fmt.Errorf("scheduler cannot be restarted after stop")
	}
	if setup != nil {
		if err := setup(); err != nil {
			return err
		}
	}

	l.started = true
	l.stats.running = true

	go func() {
		defer close(l.done)
		defer func() {
			if cleanup != nil {
				cleanup()
			}
			l.stats.mu.Lock()
			l.stats.running = false
			l.stats.nextRunTime = time.Time{}
			l.stats.mu.Unlock()
		}()
		body(ctx, l.stop)
	}()
	return nil
}

// halt asks body to return and waits for it, including any run in flight
func (l *loop) halt() error {
	l.stats.mu.RLock()
	running := l.stats.running
	l.stats.mu.RUnlock()

	if !running {
		return fmt.Errorf("scheduler is not running")
	}

	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

// Status returns the current scheduler status
func (l *loop) Status() *Status {
	return l.stats.status()
}

// Done is closed once the scheduling loop has exited
func (l *loop) Done() <-chan struct{} {
	return l.done
}
