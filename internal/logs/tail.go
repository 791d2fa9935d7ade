package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/internal/config"
)

// WorkersDir is the directory under the log dir holding per-worker logs.
const WorkersDir = "workers"

const followPoll = 250 * time.Millisecond

// WorkerDir returns the directory spawned workers log into.
func WorkerDir(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, WorkersDir)
}

// WorkerLogPath returns the log file of workerID.
func WorkerLogPath(cfg *config.Config, workerID string) string {
	return filepath.Join(WorkerDir(cfg), workerID+".log")
}

// TailOptions selects what Tail reads.
type TailOptions struct {
	// Offset is the byte position to read from. A negative offset reads the
	// last Limit lines instead.
	Offset int64
	Limit  int
	// Follow waits up to Wait for new lines when none are available.
	Follow bool
	Wait   time.Duration
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads lines from path. A missing file yields no lines and offset zero.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	var res TailResult
	if opts.Offset < 0 {
		res.Lines, res.Offset, err = lastLines(path, opts.Limit)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = info.Size()
		}
		res.Lines, res.Offset, err = linesFrom(path, offset)
	}
	if err != nil {
		return res, err
	}
	if opts.Follow && opts.Wait > 0 && len(res.Lines) == 0 {
		return follow(ctx, path, res.Offset, opts.Wait)
	}
	return res, nil
}

func lastLines(path string, limit int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var ring []string
	scanner := newScanner(f)
	for scanner.Scan() {
		if limit <= 0 {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}
	return ring, end, nil
}

func linesFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	scanner := newScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, offset, fmt.Errorf("read log file: %w", err)
	}
	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, offset, fmt.Errorf("determine log offset: %w", err)
	}
	return lines, end, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return s
}

// follow waits for writes to path. fsnotify wakes it early; the poll covers
// filesystems that do not deliver events.
func follow(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if w.Add(path) == nil {
			events = w.Events
		}
	}
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		lines, next, err := linesFrom(path, offset)
		if err != nil {
			return TailResult{Offset: offset}, err
		}
		if len(lines) > 0 {
			return TailResult{Lines: lines, Offset: next}, nil
		}
		select {
		case <-ctx.Done():
			return TailResult{Offset: next}, ctx.Err()
		case <-deadline.C:
			return TailResult{Offset: next}, nil
		case <-events:
		case <-ticker.C:
		}
	}
}
