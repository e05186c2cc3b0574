// Package lock keeps two runs from using the same history store at once.
//
// The lock is a small JSON file created with O_EXCL next to the history
// store. It names the holding process so a lock left behind by a crash
// can be recognised and taken over.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ning0612/Incsync/internal/domain"
)

// DefaultStaleAfter is how old a lock from another host must be before it
// is taken over. Locks from this host are judged by process liveness only.
const DefaultStaleAfter = 30 * time.Minute

// Holder describes the run that owns a lock file
type Holder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Acquired   time.Time `json:"acquired"`
	ConfigPath string    `json:"config_path,omitempty"`
	// Token distinguishes lock instances within one process
	Token string `json:"token"`
}

// FileLock is an exclusive lock backed by a file
type FileLock struct {
	path       string
	staleAfter time.Duration

	mu   sync.Mutex
	held *Holder
}

// NewFileLock creates a lock backed by the file at path. The parent
// directory is created if needed.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{path: path, staleAfter: DefaultStaleAfter}, nil
}

// Path returns the lock file path
func (l *FileLock) Path() string {
	return l.path
}

// SetStaleAfter overrides DefaultStaleAfter
func (l *FileLock) SetStaleAfter(d time.Duration) {
	l.mu.Lock()
	l.staleAfter = d
	l.mu.Unlock()
}

// Acquire takes the lock for a run of configPath. Acquiring a lock this
// instance already holds is a no-op. A live holder yields a *LockError
// matching domain.ErrSyncInProgress.
func (l *FileLock) Acquire(configPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		if current, err := l.read(); err == nil && current.Token == l.held.Token {
			return nil
		}
		l.held = nil
	}

	if current, err := l.read(); err == nil {
		if !l.stale(current) {
			return &LockError{Holder: current}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return &LockError{Cause: err}
	}

	hostname, _ := os.Hostname()
	h := &Holder{
		PID:        os.Getpid(),
		Hostname:   hostname,
		Acquired:   time.Now().UTC(),
		ConfigPath: configPath,
		Token:      uuid.NewString(),
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Lost the race to another process
			current, _ := l.read()
			return &LockError{Holder: current}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	werr := enc.Encode(h)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", werr)
	}

	l.held = h
	return nil
}

// Release gives up the lock. It fails without touching the file when the
// lock was taken over by someone else.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		return nil
	}
	token := l.held.Token
	l.held = nil

	current, err := l.read()
	if err != nil {
		return nil
	}
	if current.Token != token {
		return fmt.Errorf("lock %s was taken over by PID %d on %s", l.path, current.PID, current.Hostname)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether a live holder owns the lock
func (l *FileLock) IsLocked() bool {
	_, err := l.GetHolder()
	return err == nil
}

// GetHolder returns the live holder of the lock
func (l *FileLock) GetHolder() (*Holder, error) {
	h, err := l.read()
	if err != nil {
		return nil, err
	}
	if l.stale(h) {
		return nil, fmt.Errorf("lock %s is stale", l.path)
	}
	return h, nil
}

// ForceRelease removes the lock file whoever holds it
func (l *FileLock) ForceRelease() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force remove lock: %w", err)
	}
	return nil
}

func (l *FileLock) read() (*Holder, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid lock file %s: %w", l.path, err)
	}
	return &h, nil
}

func (l *FileLock) stale(h *Holder) bool {
	hostname, _ := os.Hostname()
	if h.Hostname == hostname {
		return !ProcessAlive(h.PID)
	}
	// No way to check a remote PID
	return time.Since(h.Acquired) > l.staleAfter
}

// LockError reports a lock held by someone else, or a lock file that
// cannot be parsed
type LockError struct {
	Holder *Holder
	Cause  error
}

func (e *LockError) Error() string {
	if e.Holder == nil {
		if e.Cause != nil {
			return fmt.Sprintf("history is locked: %v", e.Cause)
		}
		return "history is locked"
	}
	return fmt.Sprintf("history is locked by PID %d on %s since %s (config %s)",
		e.Holder.PID,
		e.Holder.Hostname,
		e.Holder.Acquired.Local().Format(time.RFC3339),
		e.Holder.ConfigPath,
	)
}

// Unwrap lets errors.Is match domain.ErrSyncInProgress
func (e *LockError) Unwrap() error {
	return domain.ErrSyncInProgress
}

// IsLockError reports whether err is a *LockError
func IsLockError(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr)
}
