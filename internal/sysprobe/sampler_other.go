//go:build unix && !linux

package sysprobe

import (
	"errors"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func readProcess(pid int) (rawProcess, error) {
	if pid != os.Getpid() {
		return rawProcess{}, errors.New("sampling other processes is only supported on linux")
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return rawProcess{}, err
	}
	maxrss := uint64(ru.Maxrss)
	if runtime.GOOS != "darwin" {
		maxrss *= 1024
	}
	cpu := time.Duration(ru.Utime.Nano()) + time.Duration(ru.Stime.Nano())
	return rawProcess{rssBytes: maxrss, cpuTime: cpu}, nil
}
