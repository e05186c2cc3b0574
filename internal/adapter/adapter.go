// Package adapter defines the storage backend copies are written to.
package adapter

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/Ning0612/Incsync/internal/domain"
)

// DefaultFileMode is the permission of written files when none is given
const DefaultFileMode fs.FileMode = 0644

// Adapter defines the interface for the output location.
// All implementations must handle path normalization internally
// and return domain-level errors for consistent error handling.
// Paths are slash separated and relative to the adapter root.
type Adapter interface {
	// Read opens a file for reading
	// Caller is responsible for closing the reader
	// Returns domain.ErrNotFound if file doesn't exist
	// Returns domain.ErrNotFile if path is a directory
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or overwrites a file with permission perm and returns
	// the number of bytes written. A zero perm means DefaultFileMode.
	// Parent directories are created automatically. Content goes to a
	// temporary file that is renamed into place, so a failed write never
	// leaves a partial file under path.
	// Returns domain.ErrPermissionDenied if write not allowed
	Write(ctx context.Context, path string, r io.Reader, perm fs.FileMode) (int64, error)

	// Chtimes sets the modification time of path
	Chtimes(ctx context.Context, path string, mtime time.Time) error

	// Stat returns metadata for a single path
	// Returns domain.ErrNotFound if path doesn't exist
	Stat(ctx context.Context, path string) (domain.FileInfo, error)

	// Mkdir creates a directory and any necessary parents
	// No error if directory already exists
	Mkdir(ctx context.Context, path string) error

	// Close releases any resources held by the adapter
	Close() error
}
