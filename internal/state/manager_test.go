package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ning0612/Incsync/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	manager, err := NewManager(filepath.Join(t.TempDir(), "incsync.db"))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func record(runID, configPath string, start time.Time, status domain.RunStatus, copied int) RunRecord {
	return RunRecord{
		RunID:       runID,
		ConfigPath:  configPath,
		StartTime:   start,
		EndTime:     start.Add(time.Minute),
		Status:      status,
		FilesCopied: copied,
		BytesCopied: int64(copied * 100),
	}
}

func TestNewManager(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "incsync.db")

	manager, err := NewManager(dbPath)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	if manager.db == nil {
		t.Error("Database connection is nil")
	}

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNewManager_EmptyPath(t *testing.T) {
	_, err := NewManager("")
	if err == nil {
		t.Error("Expected error for empty path, got nil")
	}
}

func TestSaveAndGetRun(t *testing.T) {
	manager := newTestManager(t)

	rec := RunRecord{
		RunID:          "run-1",
		ConfigPath:     "/etc/incsync.json",
		StartTime:      time.Now().Add(-10 * time.Minute),
		EndTime:        time.Now(),
		Status:         domain.RunPartial,
		FilesCopied:    10,
		FilesUnchanged: 4,
		FilesFailed:    1,
		BytesCopied:    1024,
		EntriesPruned:  2,
		Error:          "",
	}

	if err := manager.SaveRun(rec); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	history, err := manager.GetHistory("/etc/incsync.json", 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}

	if len(history) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(history))
	}

	got := history[0]
	if got.RunID != rec.RunID {
		t.Errorf("Expected run id %s, got %s", rec.RunID, got.RunID)
	}
	if got.Status != rec.Status {
		t.Errorf("Expected status %s, got %s", rec.Status, got.Status)
	}
	if got.FilesCopied != 10 || got.FilesUnchanged != 4 || got.FilesFailed != 1 {
		t.Errorf("Unexpected counters: %+v", got)
	}
	if got.BytesCopied != 1024 {
		t.Errorf("Expected bytes copied 1024, got %d", got.BytesCopied)
	}
	if got.EntriesPruned != 2 {
		t.Errorf("Expected 2 pruned entries, got %d", got.EntriesPruned)
	}
	if !got.StartTime.Equal(rec.StartTime) {
		t.Errorf("Expected start time %v, got %v", rec.StartTime, got.StartTime)
	}
}

func TestSaveRun_DuplicateRunID(t *testing.T) {
	manager := newTestManager(t)

	rec := record("dup", "/c.json", time.Now(), domain.RunSuccess, 1)
	if err := manager.SaveRun(rec); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
	if err := manager.SaveRun(rec); err == nil {
		t.Error("Expected error for duplicate run id, got nil")
	}
}

func TestGetLastSuccess(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now()

	records := []RunRecord{
		record("r1", "/c.json", now.Add(-30*time.Minute), domain.RunSuccess, 5),
		record("r2", "/c.json", now.Add(-20*time.Minute), domain.RunFailed, 0),
		record("r3", "/c.json", now.Add(-10*time.Minute), domain.RunSuccess, 10),
		record("r4", "/c.json", now.Add(-5*time.Minute), domain.RunPartial, 3),
	}

	for _, rec := range records {
		if err := manager.SaveRun(rec); err != nil {
			t.Fatalf("Failed to save run: %v", err)
		}
	}

	lastSuccess, err := manager.GetLastSuccess("/c.json")
	if err != nil {
		t.Fatalf("Failed to get last success: %v", err)
	}

	if lastSuccess == nil {
		t.Fatal("Expected last success, got nil")
	}

	if lastSuccess.RunID != "r3" {
		t.Errorf("Expected last success to be r3, got %s", lastSuccess.RunID)
	}
	if lastSuccess.Status != domain.RunSuccess {
		t.Errorf("Expected status 'success', got %s", lastSuccess.Status)
	}
}

func TestGetLastSuccess_NoSuccess(t *testing.T) {
	manager := newTestManager(t)

	rec := record("r1", "/c.json", time.Now(), domain.RunFailed, 0)
	rec.Error = "corrupt history store"
	if err := manager.SaveRun(rec); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	lastSuccess, err := manager.GetLastSuccess("/c.json")
	if err != nil {
		t.Fatalf("Failed to get last success: %v", err)
	}

	if lastSuccess != nil {
		t.Error("Expected nil for last success, got a record")
	}
}

func TestGetAllHistory(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now()

	records := []RunRecord{
		record("a", "/one.json", now.Add(-30*time.Minute), domain.RunSuccess, 5),
		record("b", "/two.json", now.Add(-20*time.Minute), domain.RunSuccess, 10),
		record("c", "/one.json", now.Add(-10*time.Minute), domain.RunCancelled, 0),
	}

	for _, rec := range records {
		if err := manager.SaveRun(rec); err != nil {
			t.Fatalf("Failed to save run: %v", err)
		}
	}

	all, err := manager.GetAllHistory(100)
	if err != nil {
		t.Fatalf("Failed to get all history: %v", err)
	}

	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}

	// Verify ordering (should be DESC by start_time)
	if all[0].RunID != "c" || all[0].Status != domain.RunCancelled {
		t.Error("Expected most recent record to be the cancelled run")
	}

	one, err := manager.GetHistory("/one.json", 100)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(one) != 2 {
		t.Errorf("Expected 2 records for /one.json, got %d", len(one))
	}
}

func TestGetHistory_Limit(t *testing.T) {
	manager := newTestManager(t)

	// Save 5 records
	for i := 0; i < 5; i++ {
		rec := record(fmt.Sprintf("run-%d", i), "/c.json",
			time.Now().Add(time.Duration(-i*10)*time.Minute), domain.RunSuccess, i)
		if err := manager.SaveRun(rec); err != nil {
			t.Fatalf("Failed to save run: %v", err)
		}
	}

	// Get only 3 most recent
	history, err := manager.GetHistory("/c.json", 3)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}

	if len(history) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(history))
	}

	// Verify we got the most recent ones
	if history[0].FilesCopied != 0 {
		t.Errorf("Expected most recent record to have 0 files copied, got %d", history[0].FilesCopied)
	}
}

// Test validation: invalid status
func TestSaveRun_InvalidStatus(t *testing.T) {
	manager := newTestManager(t)

	rec := record("r1", "/c.json", time.Now(), domain.RunStatus("invalid_status"), 0)
	if err := manager.SaveRun(rec); err == nil {
		t.Error("Expected error for invalid status, got nil")
	}
}

// Test validation: invalid limit
func TestGetHistory_InvalidLimit(t *testing.T) {
	manager := newTestManager(t)

	for _, limit := range []int{0, -1} {
		if _, err := manager.GetHistory("/c.json", limit); err == nil {
			t.Errorf("Expected error for limit=%d, got nil", limit)
		}
		if _, err := manager.GetAllHistory(limit); err == nil {
			t.Errorf("Expected error for limit=%d in GetAllHistory, got nil", limit)
		}
	}
}

func TestNewRunRecord(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	stats := &domain.RunStats{
		FilesCopied:    3,
		FilesUnchanged: 2,
		FilesInError:   1,
		BytesCopied:    300,
		StartTime:      start,
		EndTime:        start.Add(30 * time.Second),
	}

	tests := []struct {
		name       string
		stats      *domain.RunStats
		err        error
		wantStatus domain.RunStatus
		wantError  bool
	}{
		{"partial", stats, nil, domain.RunPartial, false},
		{"cancelled", stats, fmt.Errorf("run: %w", context.Canceled), domain.RunCancelled, true},
		{"fatal", nil, errors.New("config invalid"), domain.RunFailed, true},
		{"success", &domain.RunStats{FilesCopied: 1}, nil, domain.RunSuccess, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRunRecord("id", "/c.json", tt.stats, tt.err)
			if rec.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, rec.Status)
			}
			if (rec.Error != "") != tt.wantError {
				t.Errorf("Unexpected error text %q", rec.Error)
			}
		})
	}

	rec := NewRunRecord("id", "/c.json", stats, nil)
	if rec.FilesFailed != 1 || rec.FilesCopied != 3 || rec.BytesCopied != 300 {
		t.Errorf("Counters not copied: %+v", rec)
	}
	if rec.Duration() != 30*time.Second {
		t.Errorf("Expected 30s duration, got %v", rec.Duration())
	}
}
