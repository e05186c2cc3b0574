package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ning0612/Incsync/internal/testutil"
)

func startWatch(t *testing.T, runner SyncRunner, config Config, ignore ...string) *WatchScheduler {
	t.Helper()

	scheduler, err := NewWatchScheduler(config, runner, ignore...)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-scheduler.Done()
	})

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
	return scheduler
}

func TestNewWatchScheduler(t *testing.T) {
	runner := &mockSyncRunner{}

	if _, err := NewWatchScheduler(Config{Mode: ModeWatch}, runner); err == nil {
		t.Error("Expected error without paths, got nil")
	}

	if _, err := NewWatchScheduler(Config{Mode: ModeWatch, Paths: []string{t.TempDir()}}, nil); err == nil {
		t.Error("Expected error for nil runner, got nil")
	}

	s, err := NewWatchScheduler(Config{Mode: ModeWatch, Paths: []string{t.TempDir()}}, runner)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if s.config.Debounce != DefaultDebounce {
		t.Errorf("Expected default debounce %v, got %v", DefaultDebounce, s.config.Debounce)
	}
}

func TestWatchScheduler_StartMissingPath(t *testing.T) {
	runner := &mockSyncRunner{}
	config := Config{
		Mode:  ModeWatch,
		Paths: []string{filepath.Join(t.TempDir(), "missing")},
	}

	s, err := NewWatchScheduler(config, runner)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error for missing path, got nil")
	}
	if s.Status().Running {
		t.Error("Scheduler should not be running after a failed start")
	}
}

func TestWatchScheduler_TriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	runner := &mockSyncRunner{}
	s := startWatch(t, runner, Config{
		Mode:     ModeWatch,
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
	})

	if !s.Status().Running {
		t.Fatal("Scheduler should be running")
	}

	testutil.CreateTestFile(t, dir, "a.md", []byte("a"))

	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() >= 1 }) {
		t.Fatal("Expected a run after a file change")
	}

	status := s.Status()
	if status.SuccessfulRuns == 0 {
		t.Error("Expected successful runs > 0")
	}
	if status.LastRunTime.IsZero() {
		t.Error("Last run time should be set")
	}
}

func TestWatchScheduler_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	runner := &mockSyncRunner{}
	startWatch(t, runner, Config{
		Mode:     ModeWatch,
		Paths:    []string{dir},
		Debounce: 300 * time.Millisecond,
	})

	for _, name := range []string{"a.md", "b.md", "c.md", "d.md", "e.md"} {
		testutil.CreateTestFile(t, dir, name, []byte(name))
	}

	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() >= 1 }) {
		t.Fatal("Expected a run after file changes")
	}

	// Give a second run the chance to show up
	time.Sleep(500 * time.Millisecond)
	if got := runner.calls.Load(); got != 1 {
		t.Errorf("Expected burst to be merged into 1 run, got %d", got)
	}
}

func TestWatchScheduler_WatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	runner := &mockSyncRunner{}
	startWatch(t, runner, Config{
		Mode:     ModeWatch,
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
	})

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() >= 1 }) {
		t.Fatal("Expected a run after creating a directory")
	}

	before := runner.calls.Load()
	testutil.CreateTestFile(t, sub, "nested.md", []byte("x"))

	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() > before }) {
		t.Error("Expected a run after a change in a new directory")
	}
}

func TestWatchScheduler_IgnoredPaths(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	if err := os.Mkdir(state, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	runner := &mockSyncRunner{}
	startWatch(t, runner, Config{
		Mode:     ModeWatch,
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
	}, state, filepath.Join(dir, "history.json"))

	testutil.CreateTestFile(t, state, "incsync.db", []byte("x"))
	testutil.CreateTestFile(t, dir, "history.json", []byte("{}"))
	testutil.CreateTestFile(t, dir, "history.json.lock", []byte("{}"))
	testutil.CreateTestFile(t, dir, ".history.json.42.tmp", []byte("{}"))

	time.Sleep(300 * time.Millisecond)
	if got := runner.calls.Load(); got != 0 {
		t.Errorf("Expected no runs for ignored paths, got %d", got)
	}
}

func TestWatchScheduler_Filter(t *testing.T) {
	dir := t.TempDir()
	runner := &mockSyncRunner{}
	startWatch(t, runner, Config{
		Mode:     ModeWatch,
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		Filter: func(path string) bool {
			return filepath.Ext(path) == ".md"
		},
	})

	testutil.CreateTestFile(t, dir, "notes.txt", []byte("x"))
	time.Sleep(300 * time.Millisecond)
	if got := runner.calls.Load(); got != 0 {
		t.Fatalf("Expected no runs for filtered files, got %d", got)
	}

	// Directories pass whatever their name
	if err := os.Mkdir(filepath.Join(dir, "archive.d"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() == 1 }) {
		t.Fatal("Expected a run after creating a directory")
	}

	testutil.CreateTestFile(t, dir, "a.md", []byte("a"))
	if !testutil.WaitForCondition(3*time.Second, func() bool { return runner.calls.Load() == 2 }) {
		t.Error("Expected a run after a matching file changed")
	}
}

func TestWatchScheduler_StopAndErrors(t *testing.T) {
	dir := t.TempDir()
	runner := &mockSyncRunner{shouldErr: true}
	config := Config{
		Mode:       ModeWatch,
		Paths:      []string{dir},
		Debounce:   time.Hour,
		RunOnStart: true,
	}

	s, err := NewWatchScheduler(config, runner)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	if err := s.Stop(); err == nil {
		t.Error("Expected error when stopping non-running scheduler")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start scheduler: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error when starting already running scheduler")
	}

	if !testutil.WaitForCondition(time.Second, func() bool { return s.Status().FailedRuns == 1 }) {
		t.Fatal("Expected the start run to fail")
	}
	if s.Status().LastError != errMockRun.Error() {
		t.Errorf("Unexpected last error %q", s.Status().LastError)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop scheduler: %v", err)
	}
	if s.Status().Running {
		t.Error("Scheduler should not be running after stop")
	}

	err = s.Start(context.Background())
	if err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("Expected restart error, got %v", err)
	}
}
