package domain

import "errors"

// Adapter errors - 輸出端適配器錯誤
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrPermissionDenied indicates insufficient permissions
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotDirectory indicates expected a directory but got a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotFile indicates expected a file but got a directory
	ErrNotFile = errors.New("not a file")
)

// Sync errors - 同步流程錯誤
var (
	// ErrIO marks a per-file read, hash or copy failure.
	// The run records it and moves on to the next file.
	ErrIO = errors.New("i/o error")

	// ErrCorruptHistory indicates the history store exists but cannot be parsed
	ErrCorruptHistory = errors.New("corrupt history store")

	// ErrFilesystemSetup indicates the output location could not be prepared
	ErrFilesystemSetup = errors.New("filesystem setup failed")

	// ErrSyncInProgress indicates another run holds the history lock
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Config errors - 設定檔錯誤
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")
)

// IsFatal reports whether err must abort a run instead of being counted
// against a single file.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigNotFound) ||
		errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrCorruptHistory) ||
		errors.Is(err, ErrFilesystemSetup) ||
		errors.Is(err, ErrSyncInProgress)
}
