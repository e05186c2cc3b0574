package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Ning0612/Incsync/internal/core/checksum"
	"github.com/Ning0612/Incsync/internal/domain"
)

const (
	// DefaultWorkers is the worker pool size when none is configured
	DefaultWorkers = 4

	// DefaultStateDBName is the run log file created next to the history store
	DefaultStateDBName = "incsync.db"

	// StateDBDisabled turns the run log off when used as state_db_path
	StateDBDisabled = "-"
)

// Config represents the complete configuration for one sync job
type Config struct {
	// FileExtensions lists the extensions to copy. Matching is
	// case-insensitive and a leading dot is optional.
	FileExtensions []string `mapstructure:"file_extensions"`

	// ScanPaths are the roots to walk, in order
	ScanPaths []string `mapstructure:"scan_paths"`

	// OutputDir receives the copies, mirroring each file's position
	// under its scan root
	OutputDir string `mapstructure:"output_dir"`

	// HistoryStorePath is the JSON file holding per-file state
	HistoryStorePath string `mapstructure:"history_store_path"`

	// CalculateMD5Hash enables content hashing in change detection
	CalculateMD5Hash bool `mapstructure:"calculate_md5_hash"`

	// HashAlgorithm selects the content hash (default md5)
	HashAlgorithm checksum.Algorithm `mapstructure:"hash_algorithm"`

	// Workers bounds how many files are processed concurrently
	Workers int `mapstructure:"workers"`

	// PruneMissing drops history entries for files no longer found
	PruneMissing bool `mapstructure:"prune_missing"`

	// CheckpointEvery saves the history store after this many updates.
	// Zero saves only at the end of the run.
	CheckpointEvery int `mapstructure:"checkpoint_every"`

	// ResetCorruptHistory starts from an empty store instead of failing
	// when the history file cannot be parsed
	ResetCorruptHistory bool `mapstructure:"reset_corrupt_history"`

	// StateDBPath is the sqlite run log. "-" disables it.
	StateDBPath string `mapstructure:"state_db_path"`

	// RestoreMissing copies unchanged files again when their copy is
	// gone from OutputDir or no longer has the source size
	RestoreMissing bool `mapstructure:"restore_missing"`

	// FollowSymlinks makes the scanner descend into symlinked
	// directories and copy symlinked files
	FollowSymlinks bool `mapstructure:"follow_symlinks"`

	// Source is the file the configuration was read from
	Source string `mapstructure:"-"`
}

// Validate checks if the configuration is complete and consistent
func (c *Config) Validate() error {
	if len(c.FileExtensions) == 0 {
		return fmt.Errorf("%w: file_extensions cannot be empty", domain.ErrConfigInvalid)
	}
	for _, ext := range c.FileExtensions {
		if NormalizeExtension(ext) == "" {
			return fmt.Errorf("%w: empty file extension", domain.ErrConfigInvalid)
		}
	}

	if len(c.ScanPaths) == 0 {
		return fmt.Errorf("%w: scan_paths cannot be empty", domain.ErrConfigInvalid)
	}
	for _, p := range c.ScanPaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty scan path", domain.ErrConfigInvalid)
		}
	}

	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output_dir cannot be empty", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(c.HistoryStorePath) == "" {
		return fmt.Errorf("%w: history_store_path cannot be empty", domain.ErrConfigInvalid)
	}

	// The output directory must not live inside a scan root, otherwise
	// every run would pick up its own copies.
	out := absClean(c.OutputDir)
	for _, p := range c.ScanPaths {
		if isWithin(out, absClean(p)) {
			return fmt.Errorf("%w: output_dir %s is inside scan path %s",
				domain.ErrConfigInvalid, c.OutputDir, p)
		}
	}

	if c.HashAlgorithm != "" && !checksum.IsSupported(c.HashAlgorithm) {
		return fmt.Errorf("%w: unsupported hash_algorithm: %s", domain.ErrConfigInvalid, c.HashAlgorithm)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", domain.ErrConfigInvalid, c.Workers)
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("%w: checkpoint_every must not be negative, got %d",
			domain.ErrConfigInvalid, c.CheckpointEvery)
	}

	return nil
}

// Normalize expands paths, lower-cases extensions and fills defaults.
// It is called by the loaders before Validate.
func (c *Config) Normalize() {
	exts := make([]string, 0, len(c.FileExtensions))
	for _, ext := range c.FileExtensions {
		n := NormalizeExtension(ext)
		if n != "" && !slices.Contains(exts, n) {
			exts = append(exts, n)
		}
	}
	if len(exts) > 0 || len(c.FileExtensions) == 0 {
		c.FileExtensions = exts
	}

	for i, p := range c.ScanPaths {
		if strings.TrimSpace(p) != "" {
			c.ScanPaths[i] = ExpandPath(p)
		}
	}
	if c.OutputDir != "" {
		c.OutputDir = ExpandPath(c.OutputDir)
	}
	if c.HistoryStorePath != "" {
		c.HistoryStorePath = ExpandPath(c.HistoryStorePath)
	}

	if c.HashAlgorithm == "" {
		c.HashAlgorithm = checksum.MD5
	}
	if algo, err := checksum.ParseAlgorithm(string(c.HashAlgorithm)); err == nil {
		c.HashAlgorithm = algo
	}

	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}

	if c.StateDBPath == "" && c.HistoryStorePath != "" {
		c.StateDBPath = filepath.Join(filepath.Dir(c.HistoryStorePath), DefaultStateDBName)
	} else if c.StateDBPath != "" && c.StateDBPath != StateDBDisabled {
		c.StateDBPath = ExpandPath(c.StateDBPath)
	}
}

// HasExtension reports whether ext (any case, with or without dot) is
// one of the configured extensions
func (c *Config) HasExtension(ext string) bool {
	return slices.Contains(c.FileExtensions, NormalizeExtension(ext))
}

// RunLogEnabled reports whether runs should be recorded in sqlite
func (c *Config) RunLogEnabled() bool {
	return c.StateDBPath != "" && c.StateDBPath != StateDBDisabled
}

// LockPath returns the lock file guarding the history store
func (c *Config) LockPath() string {
	return c.HistoryStorePath + ".lock"
}

// NormalizeExtension lower-cases ext and strips leading dots and spaces
func NormalizeExtension(ext string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(ext)), ".")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	// Expand ~ to home directory
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	// Expand environment variables
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}

func absClean(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// isWithin reports whether path equals root or is below it
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
