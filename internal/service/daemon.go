package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/logger"
	"github.com/Ning0612/Incsync/internal/scheduler"
	"github.com/Ning0612/Incsync/internal/state"
)

// RunHook is called after every scheduled run
type RunHook func(stats *domain.RunStats, err error)

// DaemonService manages the scheduled sync daemon
type DaemonService struct {
	mu        sync.RWMutex
	config    *config.Config
	scheduler scheduler.Scheduler
	syncSvc   *SyncService

	// hookMu guards hook; runs read it while Stop holds mu
	hookMu sync.RWMutex
	hook   RunHook
}

// DaemonStatus represents the current daemon status
type DaemonStatus struct {
	Running        bool
	SchedulerStats *scheduler.Status
	LastRun        *state.RunRecord
}

// NewDaemonService creates a new daemon service
func NewDaemonService(cfg *config.Config) (*DaemonService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	syncSvc, err := NewSyncService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync service: %w", err)
	}

	return &DaemonService{
		config:  cfg,
		syncSvc: syncSvc,
	}, nil
}

// SyncService returns the service the daemon runs
func (d *DaemonService) SyncService() *SyncService {
	return d.syncSvc
}

// OnRun registers a hook called after every scheduled run
func (d *DaemonService) OnRun(hook RunHook) {
	d.hookMu.Lock()
	d.hook = hook
	d.hookMu.Unlock()
}

// Start starts the daemon in the background. schedConfig.Mode selects
// interval or watch scheduling; in watch mode the scan roots are watched
// unless schedConfig.Paths is set.
func (d *DaemonService) Start(ctx context.Context, schedConfig scheduler.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scheduler != nil {
		return fmt.Errorf("daemon is already running")
	}

	runner := &syncRunner{daemon: d}

	var sched scheduler.Scheduler
	var err error
	switch schedConfig.Mode {
	case scheduler.ModeInterval, "":
		schedConfig.Mode = scheduler.ModeInterval
		sched, err = scheduler.NewIntervalScheduler(schedConfig, runner)
	case scheduler.ModeWatch:
		if len(schedConfig.Paths) == 0 {
			schedConfig.Paths = d.config.ScanPaths
		}
		if schedConfig.Filter == nil {
			schedConfig.Filter = func(path string) bool {
				return d.config.HasExtension(filepath.Ext(path))
			}
		}
		sched, err = scheduler.NewWatchScheduler(schedConfig, runner, d.ownFiles()...)
	default:
		err = fmt.Errorf("unknown scheduler mode: %s", schedConfig.Mode)
	}
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	d.scheduler = sched
	return nil
}

// ownFiles lists files the daemon itself writes, so changes to them do
// not trigger runs
func (d *DaemonService) ownFiles() []string {
	files := []string{d.config.HistoryStorePath, d.config.OutputDir}
	if d.config.RunLogEnabled() {
		files = append(files, d.config.StateDBPath)
	}
	return files
}

// Done is closed when the scheduler exits. It returns nil when the
// daemon is not running.
func (d *DaemonService) Done() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Done()
}

// Stop stops the daemon
func (d *DaemonService) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scheduler == nil {
		return fmt.Errorf("daemon is not running")
	}

	if err := d.scheduler.Stop(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	d.scheduler = nil
	return nil
}

// Status returns the current daemon status
func (d *DaemonService) Status() *DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := &DaemonStatus{}

	if d.scheduler != nil {
		status.SchedulerStats = d.scheduler.Status()
		status.Running = status.SchedulerStats.Running
	}

	if history, err := d.syncSvc.History(1); err == nil && len(history) > 0 {
		status.LastRun = &history[0]
	}

	return status
}

// Close releases all resources
func (d *DaemonService) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lastErr error

	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil && d.scheduler.Status().Running {
			lastErr = err
		}
		d.scheduler = nil
	}

	if d.syncSvc != nil {
		if err := d.syncSvc.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// syncRunner implements scheduler.SyncRunner
type syncRunner struct {
	daemon *DaemonService
}

// RunSync executes one sync pass. A held lock skips the pass instead of
// failing it, and per-file errors are reported as a failed pass.
func (r *syncRunner) RunSync(ctx context.Context) error {
	stats, err := r.daemon.syncSvc.Run(ctx)

	r.daemon.hookMu.RLock()
	hook := r.daemon.hook
	r.daemon.hookMu.RUnlock()
	if hook != nil {
		hook(stats, err)
	}

	if errors.Is(err, domain.ErrSyncInProgress) {
		logger.Get().Warn("another sync is running, skipping this pass", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if stats.FilesInError > 0 {
		return fmt.Errorf("%d file(s) failed", stats.FilesInError)
	}
	return nil
}
