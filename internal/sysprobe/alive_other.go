//go:build !unix

package sysprobe

import "os"

// ProcessAlive reports whether pid names a live process. Without a signal-0
// probe only the calling process is known to be alive; other pids are
// assumed alive and staleness falls back to lock age.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
