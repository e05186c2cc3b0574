package domain

import (
	"fmt"
	"time"
)

// Classification is the change detector's verdict for a scanned file
type Classification int

const (
	// ClassNew indicates the file has no history entry
	ClassNew Classification = iota
	// ClassChanged indicates the file differs from its history entry
	ClassChanged
	// ClassUnchanged indicates the file matches its history entry
	ClassUnchanged
)

// String returns the lower-case name of the classification
func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassChanged:
		return "changed"
	case ClassUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// NeedsCopy reports whether files with this classification are copied
func (c Classification) NeedsCopy() bool {
	return c == ClassNew || c == ClassChanged
}

// FileError records why a single file could not be processed
type FileError struct {
	// Path is the source path (or the directory that could not be walked)
	Path string

	// Op is the stage that failed: "scan", "classify", "copy"
	Op string

	Err error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// RunStatus summarizes how a run ended
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsValid checks if the status is a known value
func (s RunStatus) IsValid() bool {
	switch s {
	case RunSuccess, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunStats holds the counters reported at the end of a run
type RunStats struct {
	FilesCopied    int
	FilesUnchanged int
	FilesInError   int
	BytesCopied    int64

	// EntriesPruned counts history entries dropped because their file
	// was not seen during the scan
	EntriesPruned int

	StartTime time.Time
	EndTime   time.Time

	// Errors lists every per-file failure in the order it was recorded
	Errors []FileError
}

// Duration returns the wall time of the run
func (s *RunStats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Status derives a run status from the counters
func (s *RunStats) Status() RunStatus {
	if s.FilesInError > 0 {
		return RunPartial
	}
	return RunSuccess
}
