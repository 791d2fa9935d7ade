//go:build unix

package sysprobe

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid names a live process. A process owned by
// another user (EPERM) still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
