// Package local implements the output adapter on top of a go-billy
// filesystem: the OS filesystem in production, memfs in tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/Ning0612/Incsync/internal/adapter"
	"github.com/Ning0612/Incsync/internal/domain"
)

// tempMarker is part of every temporary file name
const tempMarker = ".incsync-"

// Adapter implements the adapter.Adapter interface for a billy filesystem
type Adapter struct {
	fs billy.Filesystem

	// osRoot is the real directory behind fs, empty for virtual filesystems
	osRoot string
}

// New creates an adapter rooted at the local directory root. The
// directory and its parents are created if needed.
// Returns domain.ErrNotDirectory if root exists but is a file.
func New(root string) (*Adapter, error) {
	// Convert to absolute path
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, mapError(err)
	}

	// Verify root is a directory
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, domain.ErrNotDirectory
	}

	return &Adapter{fs: osfs.New(absRoot), osRoot: absRoot}, nil
}

// NewWithFS wraps an existing billy filesystem
func NewWithFS(fs billy.Filesystem) *Adapter {
	return &Adapter{fs: fs}
}

// resolvePath cleans a slash separated relative path and rejects paths
// that would escape the root
func (a *Adapter) resolvePath(relPath string) (string, error) {
	relPath = filepath.ToSlash(relPath)

	// Handle empty path as root
	if relPath == "" || relPath == "." {
		return ".", nil
	}

	// Reject absolute paths
	if path.IsAbs(relPath) || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: absolute path %s", domain.ErrPermissionDenied, relPath)
	}

	cleaned := path.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s escapes output root", domain.ErrPermissionDenied, relPath)
	}

	return cleaned, nil
}

// Read opens a file for reading
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	name, err := a.resolvePath(p)
	if err != nil {
		return nil, err
	}

	info, err := a.fs.Stat(name)
	if err != nil {
		return nil, mapError(err)
	}
	if info.IsDir() {
		return nil, domain.ErrNotFile
	}

	file, err := a.fs.Open(name)
	if err != nil {
		return nil, mapError(err)
	}

	return file, nil
}

// Write creates or overwrites a file
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader, perm fs.FileMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	name, err := a.resolvePath(p)
	if err != nil {
		return 0, err
	}
	if name == "." {
		return 0, domain.ErrNotFile
	}

	// Create parent directories
	dir := path.Dir(name)
	if err := a.fs.MkdirAll(dir, 0755); err != nil {
		return 0, mapError(err)
	}

	// Write to temp file first for atomic operation
	file, err := a.fs.TempFile(dir, "."+path.Base(name)+tempMarker)
	if err != nil {
		return 0, mapError(err)
	}
	tempName := file.Name()

	n, copyErr := io.Copy(file, r)
	closeErr := file.Close()

	if copyErr != nil {
		a.fs.Remove(tempName)
		return n, copyErr
	}
	if closeErr != nil {
		a.fs.Remove(tempName)
		return n, mapError(closeErr)
	}

	// TempFile creates the file with 0600
	if perm == 0 {
		perm = adapter.DefaultFileMode
	}
	if err := a.chmod(tempName, perm); err != nil {
		a.fs.Remove(tempName)
		return n, mapError(err)
	}

	// Atomic rename
	if err := a.fs.Rename(tempName, name); err != nil {
		a.fs.Remove(tempName)
		return n, mapError(err)
	}

	return n, nil
}

// Chtimes sets the modification time of a file. Filesystems that cannot
// store times ignore the call.
func (a *Adapter) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	name, err := a.resolvePath(p)
	if err != nil {
		return err
	}

	if ch, ok := a.fs.(billy.Change); ok {
		return mapError(ch.Chtimes(name, mtime, mtime))
	}
	if a.osRoot != "" {
		return mapError(os.Chtimes(filepath.Join(a.osRoot, filepath.FromSlash(name)), mtime, mtime))
	}
	return nil
}

// chmod sets the permission of name. Filesystems without permissions
// ignore the call.
func (a *Adapter) chmod(name string, perm fs.FileMode) error {
	if ch, ok := a.fs.(billy.Change); ok {
		return ch.Chmod(name, perm)
	}
	if a.osRoot != "" {
		return os.Chmod(filepath.Join(a.osRoot, filepath.FromSlash(name)), perm)
	}
	return nil
}

// Stat returns metadata for a single path
func (a *Adapter) Stat(ctx context.Context, p string) (domain.FileInfo, error) {
	name, err := a.resolvePath(p)
	if err != nil {
		return domain.FileInfo{}, err
	}

	info, err := a.fs.Stat(name)
	if err != nil {
		return domain.FileInfo{}, mapError(err)
	}

	return fileInfoFromOS(name, info), nil
}

// Mkdir creates a directory and any necessary parents
func (a *Adapter) Mkdir(ctx context.Context, p string) error {
	name, err := a.resolvePath(p)
	if err != nil {
		return err
	}

	return mapError(a.fs.MkdirAll(name, 0755))
}

// Close releases any resources (no-op for local adapter)
func (a *Adapter) Close() error {
	return nil
}

// Root returns the directory copies are written to, empty for
// in-memory filesystems
func (a *Adapter) Root() string {
	return a.osRoot
}

// IsTempFile reports whether name is a temporary file left by Write
func IsTempFile(name string) bool {
	return strings.HasPrefix(path.Base(filepath.ToSlash(name)), ".") && strings.Contains(name, tempMarker)
}

// fileInfoFromOS converts os.FileInfo to domain.FileInfo
func fileInfoFromOS(p string, info os.FileInfo) domain.FileInfo {
	fileType := domain.FileTypeOther
	switch {
	case info.IsDir():
		fileType = domain.FileTypeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		fileType = domain.FileTypeSymlink
	case info.Mode().IsRegular():
		fileType = domain.FileTypeRegular
	}

	return domain.FileInfo{
		Path:    p,
		Type:    fileType,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// mapError converts OS errors to domain errors, keeping the original
// error in the chain
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
	}

	return err
}
