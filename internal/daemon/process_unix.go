//go:build !windows

package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM so the daemon saves history before exiting
func terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}
