// Package daemon tracks the long-running incsync process started with
// --interval or --watch through a PID file next to the history store.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Ning0612/Incsync/internal/lock"
)

var (
	// ErrAlreadyRunning indicates a live daemon already owns the PID file
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotRunning indicates no PID file or only a stale one was found
	ErrNotRunning = errors.New("daemon not running")
)

// PIDFile manages the daemon process ID file for one history store
type PIDFile struct {
	path string
}

// NewPIDFile creates a PID file manager for path
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// PathFor returns the PID file used by daemons syncing historyPath
func PathFor(historyPath string) string {
	return historyPath + ".pid"
}

// Path returns the PID file location
func (p *PIDFile) Path() string {
	return p.path
}

// Write records the current process. A file left by a dead process is
// replaced; one owned by a live process fails with ErrAlreadyRunning.
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		pid, rerr := p.Read()
		if rerr == nil && lock.ProcessAlive(pid) {
			return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, p.path)
		}
		// Stale or unreadable
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	return fmt.Errorf("%w: PID file %s keeps reappearing", ErrAlreadyRunning, p.path)
}

// Read returns the PID stored in the file
func (p *PIDFile) Read() (int, error) {
	content, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: no PID file at %s", ErrNotRunning, p.path)
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}

	return pid, nil
}

// Remove deletes the PID file if it still names this process
func (p *PIDFile) Remove() error {
	if pid, err := p.Read(); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// IsRunning reports whether the recorded process is alive
func (p *PIDFile) IsRunning() (bool, error) {
	pid, err := p.Read()
	if err != nil {
		return false, err
	}
	return lock.ProcessAlive(pid), nil
}

// Signal asks the recorded daemon to shut down and returns its PID
func (p *PIDFile) Signal() (int, error) {
	pid, err := p.Read()
	if err != nil {
		return 0, err
	}
	if !lock.ProcessAlive(pid) {
		os.Remove(p.path)
		return pid, fmt.Errorf("%w: removed stale PID file for %d", ErrNotRunning, pid)
	}
	if err := terminate(pid); err != nil {
		return pid, err
	}
	return pid, nil
}
