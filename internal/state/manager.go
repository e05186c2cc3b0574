// Package state records every sync run in a sqlite database so past
// results can be listed later.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/Incsync/internal/domain"
)

// Manager handles the run log
type Manager struct {
	db *sql.DB
}

// RunRecord represents a single sync run
type RunRecord struct {
	ID             int64
	RunID          string
	ConfigPath     string
	StartTime      time.Time
	EndTime        time.Time
	Status         domain.RunStatus
	FilesCopied    int
	FilesUnchanged int
	FilesFailed    int
	BytesCopied    int64
	EntriesPruned  int
	Error          string
}

// Duration returns the wall time of the run
func (r RunRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// NewRunRecord builds a record from the stats of a finished run. stats
// may be nil when the run failed before it started; runErr is the error
// the run returned, if any.
func NewRunRecord(runID, configPath string, stats *domain.RunStats, runErr error) RunRecord {
	record := RunRecord{
		RunID:      runID,
		ConfigPath: configPath,
		StartTime:  time.Now(),
		EndTime:    time.Now(),
		Status:     domain.RunFailed,
	}

	if stats != nil {
		if !stats.StartTime.IsZero() {
			record.StartTime = stats.StartTime
		}
		if !stats.EndTime.IsZero() {
			record.EndTime = stats.EndTime
		}
		record.FilesCopied = stats.FilesCopied
		record.FilesUnchanged = stats.FilesUnchanged
		record.FilesFailed = stats.FilesInError
		record.BytesCopied = stats.BytesCopied
		record.EntriesPruned = stats.EntriesPruned
		record.Status = stats.Status()
	}

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		record.Status = domain.RunCancelled
		record.Error = runErr.Error()
	default:
		record.Status = domain.RunFailed
		record.Error = runErr.Error()
	}

	return record
}

// NewManager opens (and creates if needed) the run log at dbPath
func NewManager(dbPath string) (*Manager, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connection pool to prevent "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrency and set busy timeout
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	manager := &Manager{db: db}

	// Initialize schema
	if err := manager.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return manager, nil
}

// initSchema creates the database schema
func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		config_path TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		files_copied INTEGER DEFAULT 0,
		files_unchanged INTEGER DEFAULT 0,
		files_failed INTEGER DEFAULT 0,
		bytes_copied INTEGER DEFAULT 0,
		entries_pruned INTEGER DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_config_time ON runs(config_path, start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := m.db.Exec(schema)
	return err
}

// SaveRun records a sync run
func (m *Manager) SaveRun(record RunRecord) error {
	if !record.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", record.Status)
	}
	if record.RunID == "" {
		return fmt.Errorf("run id cannot be empty")
	}

	query := `
		INSERT INTO runs (run_id, config_path, start_time, end_time, status,
			files_copied, files_unchanged, files_failed, bytes_copied, entries_pruned, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := m.db.Exec(query,
		record.RunID,
		record.ConfigPath,
		record.StartTime.UTC(),
		record.EndTime.UTC(),
		string(record.Status),
		record.FilesCopied,
		record.FilesUnchanged,
		record.FilesFailed,
		record.BytesCopied,
		record.EntriesPruned,
		record.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT id, run_id, config_path, start_time, end_time, status,
		files_copied, files_unchanged, files_failed, bytes_copied, entries_pruned, error
	FROM runs
`

// GetHistory retrieves the most recent runs for a config file
func (m *Manager) GetHistory(configPath string, limit int) ([]RunRecord, error) {
	// Validate limit
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := m.db.Query(selectColumns+`
		WHERE config_path = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`, configPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetAllHistory retrieves the most recent runs for every config file
func (m *Manager) GetAllHistory(limit int) ([]RunRecord, error) {
	// Validate limit
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := m.db.Query(selectColumns+`
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query all history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetLastSuccess retrieves the last successful run for a config file.
// It returns nil without error when there is none.
func (m *Manager) GetLastSuccess(configPath string) (*RunRecord, error) {
	row := m.db.QueryRow(selectColumns+`
		WHERE config_path = ? AND status = ?
		ORDER BY start_time DESC, id DESC
		LIMIT 1
	`, configPath, string(domain.RunSuccess))

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No successful run found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last success: %w", err)
	}

	return &record, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (RunRecord, error) {
	var record RunRecord
	var status string
	err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.ConfigPath,
		&record.StartTime,
		&record.EndTime,
		&status,
		&record.FilesCopied,
		&record.FilesUnchanged,
		&record.FilesFailed,
		&record.BytesCopied,
		&record.EntriesPruned,
		&record.Error,
	)
	record.Status = domain.RunStatus(status)
	return record, err
}

func scanRecords(rows *sql.Rows) ([]RunRecord, error) {
	var records []RunRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
