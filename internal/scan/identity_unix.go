//go:build unix

package scan

import (
	"golang.org/x/sys/unix"
)

// dirIdentity returns the device/inode pair of the directory at path,
// following symlinks
func dirIdentity(path string) (dirID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return dirID{}, err
	}
	return dirID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil //nolint:unconvert // Dev is int32 on darwin
}
