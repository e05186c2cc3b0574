// Package service wires the sync engine to the history lock and the run
// log, and repeats runs for the daemon mode.
package service

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/Ning0612/Incsync/internal/adapter"
	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/engine"
	"github.com/Ning0612/Incsync/internal/lock"
	"github.com/Ning0612/Incsync/internal/logger"
	"github.com/Ning0612/Incsync/internal/progress"
	"github.com/Ning0612/Incsync/internal/state"
)

// SyncService orchestrates sync runs for one configuration
type SyncService struct {
	config   *config.Config
	lock     *lock.FileLock
	runs     *state.Manager
	reporter progress.Reporter
	output   adapter.Adapter
}

// NewSyncService creates a new sync service. The run log is opened
// unless the configuration disables it.
func NewSyncService(cfg *config.Config) (*SyncService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	fileLock, err := lock.NewFileLock(cfg.LockPath())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create file lock: %w", domain.ErrFilesystemSetup, err)
	}

	svc := &SyncService{
		config: cfg,
		lock:   fileLock,
	}

	if cfg.RunLogEnabled() {
		runs, err := state.NewManager(cfg.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open run log: %w", domain.ErrFilesystemSetup, err)
		}
		svc.runs = runs
	}

	return svc, nil
}

// IsLocked checks if another sync operation is in progress
func (s *SyncService) IsLocked() bool {
	return s.lock.IsLocked()
}

// GetLockHolder returns information about the current lock holder
func (s *SyncService) GetLockHolder() (*lock.Holder, error) {
	return s.lock.GetHolder()
}

// ForceUnlock forcibly releases the lock (use with caution)
func (s *SyncService) ForceUnlock() error {
	return s.lock.ForceRelease()
}

// SetProgressReporter sets the progress reporter for sync operations
func (s *SyncService) SetProgressReporter(reporter progress.Reporter) {
	s.reporter = reporter
}

// SetOutput replaces the output location, mainly for tests
func (s *SyncService) SetOutput(out adapter.Adapter) {
	s.output = out
}

// getReporter returns the current progress reporter or a null reporter
func (s *SyncService) getReporter() progress.Reporter {
	if s.reporter != nil {
		return s.reporter
	}
	return progress.NullReporter{}
}

// Run executes one sync pass while holding the history lock and records
// the outcome in the run log. The stats are nil only when the run could
// not start.
func (s *SyncService) Run(ctx context.Context) (*domain.RunStats, error) {
	runID := uuid.NewString()
	log := logger.With("run_id", runID)

	log.Debug("acquiring lock", "path", s.lock.Path())
	if err := s.lock.Acquire(s.config.Source); err != nil {
		log.Error("failed to acquire sync lock", "path", s.lock.Path(), "error", err)
		err = fmt.Errorf("failed to acquire sync lock: %w", err)
		s.record(log, runID, nil, err)
		return nil, err
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			log.Error("failed to release sync lock", "path", s.lock.Path(), "error", err)
		}
	}()

	eng, err := engine.New(engine.Options{
		Config:   s.config,
		Output:   s.output,
		Reporter: s.getReporter(),
		Logger:   log.With("component", "engine"),
	})
	if err != nil {
		s.record(log, runID, nil, err)
		return nil, err
	}

	stats, runErr := eng.Run(ctx)
	s.record(log, runID, stats, runErr)

	if runErr != nil {
		log.Error("sync execution failed", "config", s.config.Source, "error", runErr)
		return stats, runErr
	}

	log.Info("sync execution completed",
		"config", s.config.Source,
		"status", stats.Status(),
		"files_copied", stats.FilesCopied,
		"files_unchanged", stats.FilesUnchanged,
		"files_failed", stats.FilesInError,
		"bytes_copied", progress.FormatBytes(stats.BytesCopied),
	)

	return stats, nil
}

// record writes the run to the run log. Failures are only logged.
func (s *SyncService) record(log logger.Logger, runID string, stats *domain.RunStats, runErr error) {
	if s.runs == nil {
		return
	}

	rec := state.NewRunRecord(runID, s.config.Source, stats, runErr)
	if err := s.runs.SaveRun(rec); err != nil {
		log.Warn("failed to record run", "db", s.config.StateDBPath, "error", err)
	}
}

// History returns the most recent runs of this configuration
func (s *SyncService) History(limit int) ([]state.RunRecord, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run log is disabled")
	}
	return s.runs.GetHistory(s.config.Source, limit)
}

// AllHistory returns the most recent runs of every configuration
// recorded in the same run log
func (s *SyncService) AllHistory(limit int) ([]state.RunRecord, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run log is disabled")
	}
	return s.runs.GetAllHistory(limit)
}

// LastSuccess returns the most recent successful run, or nil
func (s *SyncService) LastSuccess() (*state.RunRecord, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run log is disabled")
	}
	return s.runs.GetLastSuccess(s.config.Source)
}

// Close releases the run log and the output adapter
func (s *SyncService) Close() error {
	var lastErr error
	if s.output != nil {
		if err := s.output.Close(); err != nil {
			lastErr = err
		}
	}
	if s.runs != nil {
		if err := s.runs.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

var _ io.Closer = (*SyncService)(nil)
