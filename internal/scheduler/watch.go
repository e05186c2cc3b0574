package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Ning0612/Incsync/internal/logger"
)

// WatchScheduler starts a sync run after files below the watched paths
// change. Bursts of events are merged: a run starts once no event has
// arrived for the debounce period.
type WatchScheduler struct {
	loop

	config Config
	runner SyncRunner
	log    logger.Logger

	// ignore holds cleaned absolute paths whose events are dropped
	ignore []string

	watcher *fsnotify.Watcher
}

// NewWatchScheduler creates a new filesystem-watch scheduler. Events for
// paths in ignore, below them, or for files beside them whose name starts
// with the ignored name never trigger a run.
func NewWatchScheduler(config Config, runner SyncRunner, ignore ...string) (*WatchScheduler, error) {
	if len(config.Paths) == 0 {
		return nil, fmt.Errorf("at least one path to watch is required")
	}

	if runner == nil {
		return nil, fmt.Errorf("sync runner cannot be nil")
	}

	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	s := &WatchScheduler{
		loop:   newLoop(),
		config: config,
		runner: runner,
		log:    logger.With("component", "scheduler", "mode", ModeWatch),
	}
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			s.ignore = append(s.ignore, filepath.Clean(abs))
		}
	}
	return s, nil
}

// Start registers the watches and begins the event loop. Every watched
// path must exist when Start is called.
func (s *WatchScheduler) Start(ctx context.Context) error {
	setup := func() error {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		for _, p := range s.config.Paths {
			if err := s.addTree(watcher, p); err != nil {
				watcher.Close()
				return err
			}
		}
		s.watcher = watcher
		return nil
	}
	cleanup := func() {
		s.watcher.Close()
	}
	if err := s.start(ctx, setup, s.run, cleanup); err != nil {
		return err
	}

	s.log.Info("scheduler started",
		"paths", len(s.config.Paths),
		"watches", len(s.watcher.WatchList()),
		"debounce", s.config.Debounce,
	)
	return nil
}

// addTree watches root and every directory below it. Unreadable
// subdirectories are logged and skipped.
func (s *WatchScheduler) addTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot watch %s: not a directory", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("cannot watch %s: %w", root, err)
			}
			s.log.Warn("skipping unreadable directory", "path", path, "error", err)
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if s.ignored(path) {
			return fs.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			if path == root {
				return fmt.Errorf("cannot watch %s: %w", root, err)
			}
			s.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (s *WatchScheduler) ignored(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, name := filepath.Split(abs)
	for _, p := range s.ignore {
		if abs == p || strings.HasPrefix(abs, p+string(filepath.Separator)) {
			return true
		}
		// Siblings such as history.json.lock, .history.json.123.tmp
		// and incsync.db-wal belong to the ignored file
		pdir, pname := filepath.Split(p)
		if dir == pdir && (strings.HasPrefix(name, pname) || strings.HasPrefix(name, "."+pname)) {
			return true
		}
	}
	return false
}

// relevant reports whether ev should (re)arm the debounce timer
func (s *WatchScheduler) relevant(ev fsnotify.Event) bool {
	// Permission and timestamp-only changes never alter content
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if s.ignored(ev.Name) {
		return false
	}
	return s.config.Filter == nil || filepath.Ext(ev.Name) == "" || s.config.Filter(ev.Name) || isDir(ev.Name)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *WatchScheduler) run(ctx context.Context, stop <-chan struct{}) {
	if s.config.RunOnStart {
		execute(ctx, s.runner, &s.stats)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addTree(s.watcher, ev.Name); err != nil {
						s.log.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}

			s.log.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(s.config.Debounce)
			} else {
				timer.Reset(s.config.Debounce)
			}
			fire = timer.C
			s.stats.setNext(time.Now().Add(s.config.Debounce))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Changes were lost, so a full pass is needed
				s.log.Warn("watch event overflow, scheduling a full run")
				if timer == nil {
					timer = time.NewTimer(s.config.Debounce)
				} else {
					timer.Reset(s.config.Debounce)
				}
				fire = timer.C
				continue
			}
			s.log.Warn("watch error", "error", err)

		case <-fire:
			fire = nil
			s.stats.setNext(time.Time{})
			s.log.Info("changes settled, starting sync")
			execute(ctx, s.runner, &s.stats)
		}
	}
}

// Stop waits for a run in flight to finish and ends the loop
func (s *WatchScheduler) Stop() error {
	if err := s.halt(); err != nil {
		return err
	}
	s.log.Info("scheduler stopped")
	return nil
}
