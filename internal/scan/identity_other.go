//go:build !unix

package scan

import (
	"path/filepath"
)

// dirIdentity falls back to the fully resolved path where device/inode
// numbers are not available
func dirIdentity(path string) (dirID, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return dirID{}, err
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return dirID{}, err
	}
	return dirID{path: abs}, nil
}
