//go:build !windows

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid names a running process on this host
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM: alive but owned by another user
	return err == nil || errors.Is(err, unix.EPERM)
}
