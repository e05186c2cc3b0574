// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CreateTestFile writes content to dir/name and returns the path
func CreateTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	return WriteFile(t, filepath.Join(dir, name), content, time.Time{})
}

// WriteFile creates path and its parent directories with content. A
// non-zero mtime is applied afterwards.
func WriteFile(t *testing.T, path string, content []byte, mtime time.Time) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if !mtime.IsZero() {
		SetMtime(t, path, mtime)
	}
	return path
}

// SetMtime sets both access and modification time of path
func SetMtime(t *testing.T, path string, mtime time.Time) {
	t.Helper()

	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
}

// WriteTree creates every file in files below root. Keys are slash
// separated relative paths.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		WriteFile(t, filepath.Join(root, filepath.FromSlash(rel)), []byte(content), time.Time{})
	}
}

// SkipIfRoot skips tests that rely on permission bits being enforced
func SkipIfRoot(t *testing.T) {
	t.Helper()

	if os.Geteuid() == 0 {
		t.Skip("permission checks are not enforced for root")
	}
}

// WaitForCondition polls condition every 10ms until it holds or timeout
// passes, and reports whether it held
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
