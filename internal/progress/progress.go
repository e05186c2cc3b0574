// Package progress reports per-file copy progress. Several files may be
// in flight at once, so every event names the file it belongs to.
package progress

import (
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Ning0612/Incsync/internal/logger"
)

// Reporter handles progress reporting for sync operations
type Reporter interface {
	// Start begins tracking a new file transfer
	Start(path string, totalBytes int64)
	// Update reports the bytes transferred so far for path
	Update(path string, bytesTransferred int64)
	// Complete marks the transfer of path as complete
	Complete(path string)
	// Error reports a failed transfer of path
	Error(path string, err error)
	// OverallProgress reports overall sync progress
	OverallProgress(filesCompleted int, bytesCompleted int64)
}

// Callback is a function that receives progress updates
type Callback func(update Update)

// Update represents a progress update
type Update struct {
	Type           UpdateType
	CurrentFile    string
	CurrentBytes   int64
	CurrentTotal   int64
	FilesCompleted int
	FilesActive    int
	BytesCompleted int64
	BytesPerSecond float64
	Error          error
}

// UpdateType indicates the type of progress update
type UpdateType int

const (
	UpdateStart UpdateType = iota
	UpdateProgress
	UpdateComplete
	UpdateError
	UpdateOverall
)

// transfer is the state of one in-flight file
type transfer struct {
	total   int64
	bytes   int64
	started time.Time
}

// CallbackReporter turns Reporter calls into Updates carrying running
// totals. The callback runs outside the reporter's lock, so it may call
// back into the reporter.
type CallbackReporter struct {
	callback Callback

	mu             sync.Mutex
	active         map[string]*transfer
	filesCompleted int
	bytesCompleted int64
}

// NewCallbackReporter creates a new CallbackReporter
func NewCallbackReporter(callback Callback) *CallbackReporter {
	return &CallbackReporter{
		callback: callback,
		active:   make(map[string]*transfer),
	}
}

// fill copies the running totals into u. Callers hold r.mu.
func (r *CallbackReporter) fill(u Update) Update {
	u.FilesCompleted = r.filesCompleted
	u.FilesActive = len(r.active)
	u.BytesCompleted = r.bytesCompleted
	return u
}

func (r *CallbackReporter) emit(u Update) {
	if r.callback != nil {
		r.callback(u)
	}
}

func (r *CallbackReporter) Start(path string, totalBytes int64) {
	r.mu.Lock()
	r.active[path] = &transfer{total: totalBytes, started: time.Now()}
	u := r.fill(Update{Type: UpdateStart, CurrentFile: path, CurrentTotal: totalBytes})
	r.mu.Unlock()

	r.emit(u)
}

func (r *CallbackReporter) Update(path string, bytesTransferred int64) {
	r.mu.Lock()
	tr, ok := r.active[path]
	if !ok {
		tr = &transfer{started: time.Now()}
		r.active[path] = tr
	}
	tr.bytes = bytesTransferred

	u := r.fill(Update{
		Type:         UpdateProgress,
		CurrentFile:  path,
		CurrentBytes: bytesTransferred,
		CurrentTotal: tr.total,
	})
	if secs := time.Since(tr.started).Seconds(); secs > 0 {
		u.BytesPerSecond = float64(bytesTransferred) / secs
	}
	r.mu.Unlock()

	r.emit(u)
}

// Complete counts path as done. Its size is the larger of the announced
// total and the bytes actually read.
func (r *CallbackReporter) Complete(path string) {
	r.mu.Lock()
	var size int64
	var rate float64
	if tr, ok := r.active[path]; ok {
		size = max(tr.bytes, tr.total)
		if secs := time.Since(tr.started).Seconds(); secs > 0 {
			rate = float64(size) / secs
		}
		delete(r.active, path)
	}
	r.filesCompleted++
	r.bytesCompleted += size
	u := r.fill(Update{Type: UpdateComplete, CurrentFile: path, CurrentBytes: size, CurrentTotal: size})
	u.BytesPerSecond = rate
	r.mu.Unlock()

	r.emit(u)
}

// Error drops path from the active set without counting it
func (r *CallbackReporter) Error(path string, err error) {
	r.mu.Lock()
	delete(r.active, path)
	u := r.fill(Update{Type: UpdateError, CurrentFile: path, Error: err})
	r.mu.Unlock()

	r.emit(u)
}

// OverallProgress forwards the engine's own totals, which also count
// files that needed no copy
func (r *CallbackReporter) OverallProgress(filesCompleted int, bytesCompleted int64) {
	r.mu.Lock()
	u := r.fill(Update{Type: UpdateOverall})
	r.mu.Unlock()

	u.FilesCompleted = filesCompleted
	u.BytesCompleted = bytesCompleted
	r.emit(u)
}

// NewLogReporter returns a reporter that writes completed and failed
// transfers to log at debug level
func NewLogReporter(log logger.Logger) *CallbackReporter {
	return NewCallbackReporter(func(u Update) {
		switch u.Type {
		case UpdateComplete:
			log.Debug("copied",
				"path", u.CurrentFile,
				"size", FormatBytes(u.CurrentBytes),
				"rate", FormatSpeed(u.BytesPerSecond),
				"files_completed", u.FilesCompleted)
		case UpdateError:
			log.Debug("copy failed", "path", u.CurrentFile, "error", u.Error)
		case UpdateOverall:
			log.Debug("progress",
				"files_completed", u.FilesCompleted,
				"bytes_completed", FormatBytes(u.BytesCompleted))
		}
	})
}

// ProgressReader wraps an io.Reader to track read progress
type ProgressReader struct {
	reader      io.Reader
	reporter    Reporter
	path        string
	transferred int64
}

// NewProgressReader creates a new progress-tracking reader for path
func NewProgressReader(r io.Reader, reporter Reporter, path string) *ProgressReader {
	return &ProgressReader{
		reader:   r,
		reporter: reporter,
		path:     path,
	}
}

// Read implements io.Reader
func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.transferred += int64(n)
		if pr.reporter != nil {
			pr.reporter.Update(pr.path, pr.transferred)
		}
	}
	return n, err
}

// Transferred returns the number of bytes read so far
func (pr *ProgressReader) Transferred() int64 {
	return pr.transferred
}

// NullReporter is a no-op reporter
type NullReporter struct{}

func (NullReporter) Start(path string, totalBytes int64)                      {}
func (NullReporter) Update(path string, bytesTransferred int64)               {}
func (NullReporter) Complete(path string)                                     {}
func (NullReporter) Error(path string, err error)                             {}
func (NullReporter) OverallProgress(filesCompleted int, bytesCompleted int64) {}

// FormatBytes formats bytes into a human-readable IEC string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed formats bytes per second into human-readable string
func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}
