// Package scan walks the configured source roots and yields the files
// whose extension is selected for syncing.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/logger"
)

// Options controls scanner behavior
type Options struct {
	// Roots are walked in order
	Roots []string

	// Extensions is the set of accepted extensions; any case, dot optional
	Extensions []string

	// FollowSymlinks descends into symlinked directories and yields
	// symlinked files. When false, symlinks are skipped.
	FollowSymlinks bool
}

// Scanner produces ScanResults for qualifying files
type Scanner struct {
	opts       Options
	extensions map[string]struct{}
	log        logger.Logger
}

// dirID identifies a physical directory so cycles can be detected
type dirID struct {
	dev  uint64
	ino  uint64
	path string
}

// New creates a scanner with the given options
func New(opts Options) *Scanner {
	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		if n := config.NormalizeExtension(ext); n != "" {
			exts[n] = struct{}{}
		}
	}
	return &Scanner{
		opts:       opts,
		extensions: exts,
		log:        logger.With("component", "scanner"),
	}
}

// Matches reports whether name carries one of the accepted extensions
func (s *Scanner) Matches(name string) bool {
	ext := config.NormalizeExtension(filepath.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := s.extensions[ext]
	return ok
}

// Scan walks every root and yields one ScanResult per qualifying file.
// Directories that cannot be read, and roots that cannot be opened, are
// yielded as a domain.FileError with Op "scan"; the walk then continues.
// Each call walks the trees from scratch. Stopping the iteration or
// cancelling ctx ends the walk.
func (s *Scanner) Scan(ctx context.Context) iter.Seq2[domain.ScanResult, error] {
	return func(yield func(domain.ScanResult, error) bool) {
		// Shared across roots so overlapping roots are walked once
		visited := make(map[dirID]struct{})

		for _, root := range s.opts.Roots {
			if ctx.Err() != nil {
				return
			}

			absRoot, err := filepath.Abs(root)
			if err != nil {
				if !yield(domain.ScanResult{}, walkError(root, err)) {
					return
				}
				continue
			}

			info, err := os.Stat(absRoot)
			if err != nil {
				if !yield(domain.ScanResult{Root: absRoot}, walkError(absRoot, err)) {
					return
				}
				continue
			}
			if !info.IsDir() {
				if !yield(domain.ScanResult{Root: absRoot}, walkError(absRoot, domain.ErrNotDirectory)) {
					return
				}
				continue
			}

			s.log.Debug("scanning root", "root", absRoot)
			if !s.walkDir(ctx, absRoot, absRoot, visited, yield) {
				return
			}
		}
	}
}

// walkDir visits dir and its descendants. It returns false when the
// consumer stopped the iteration or the context was cancelled.
func (s *Scanner) walkDir(
	ctx context.Context,
	root, dir string,
	visited map[dirID]struct{},
	yield func(domain.ScanResult, error) bool,
) bool {
	id, err := dirIdentity(dir)
	if err != nil {
		return yield(domain.ScanResult{Root: root}, walkError(dir, err))
	}
	if _, seen := visited[id]; seen {
		s.log.Debug("directory already visited, skipping", "path", dir)
		return true
	}
	visited[id] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return yield(domain.ScanResult{Root: root}, walkError(dir, err))
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return false
		}

		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Lstat
			s.log.Debug("entry vanished during scan", "path", path, "error", err)
			continue
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			if !s.opts.FollowSymlinks {
				s.log.Debug("skipping symlink", "path", path)
				continue
			}
			target, err := os.Stat(path)
			if err != nil {
				s.log.Warn("skipping broken symlink", "path", path, "error", err)
				continue
			}
			info = target
		}

		switch {
		case info.IsDir():
			if !s.walkDir(ctx, root, path, visited, yield) {
				return false
			}

		case info.Mode().IsRegular():
			if !s.Matches(entry.Name()) {
				continue
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				if !yield(domain.ScanResult{Root: root}, walkError(path, err)) {
					return false
				}
				continue
			}
			result := domain.ScanResult{
				Path:      path,
				Root:      root,
				RelPath:   filepath.ToSlash(rel),
				Extension: config.NormalizeExtension(filepath.Ext(entry.Name())),
				ModTime:   info.ModTime(),
				Size:      info.Size(),
				Mode:      info.Mode().Perm(),
			}
			if !yield(result, nil) {
				return false
			}

		default:
			s.log.Warn("skipping non-regular file", "path", path, "mode", info.Mode().Type().String())
		}
	}

	return true
}

func walkError(path string, err error) error {
	return domain.FileError{
		Path: path,
		Op:   "scan",
		Err:  fmt.Errorf("%w: %w", domain.ErrIO, err),
	}
}

// Collect drains a scan into a slice. Intended for tests and small trees.
func Collect(seq iter.Seq2[domain.ScanResult, error]) ([]domain.ScanResult, []error) {
	var results []domain.ScanResult
	var errs []error
	for r, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errs
}
