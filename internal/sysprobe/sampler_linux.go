//go:build linux

package sysprobe

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// USER_HZ is 100 on every mainstream Linux build.
const clockTicksPerSecond = 100

func readProcess(pid int) (rawProcess, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	var raw rawProcess

	status, err := os.ReadFile(filepath.Join(base, "status"))
	if err != nil {
		return raw, fmt.Errorf("read process status: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		switch key {
		case "VmRSS":
			kb, _ := strconv.ParseUint(fields[0], 10, 64)
			raw.rssBytes = kb * 1024
		case "Threads":
			raw.threads, _ = strconv.Atoi(fields[0])
		}
	}

	if stat, err := os.ReadFile(filepath.Join(base, "stat")); err == nil {
		raw.cpuTime = parseStatCPU(string(stat))
	}

	if entries, err := os.ReadDir(filepath.Join(base, "fd")); err == nil {
		raw.openFiles = len(entries)
	}

	// io is unreadable for other users' processes; zero counters are acceptable.
	if ioStats, err := os.ReadFile(filepath.Join(base, "io")); err == nil {
		raw.readBytes, raw.writeBytes = parseIO(string(ioStats))
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		raw.totalMemBytes = uint64(info.Totalram) * uint64(info.Unit)
	}
	return raw, nil
}

func parseStatCPU(stat string) time.Duration {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	// fields[0] is field 3 (state); utime and stime are fields 14 and 15.
	if len(fields) < 13 {
		return 0
	}
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / clockTicksPerSecond
}

func parseIO(content string) (readBytes, writeBytes uint64) {
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "read_bytes":
			readBytes = n
		case "write_bytes":
			writeBytes = n
		}
	}
	return readBytes, writeBytes
}
