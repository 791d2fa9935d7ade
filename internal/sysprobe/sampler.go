package sysprobe

import (
	"os"
	"sync"
	"time"
)

// Usage is a single resource reading for one process.
type Usage struct {
	PID           int     `json:"pid"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	OpenFiles     int     `json:"open_files"`
	NumThreads    int     `json:"num_threads"`
	ReadBytes     uint64  `json:"read_bytes"`
	WriteBytes    uint64  `json:"write_bytes"`
}

// Sampler produces resource readings.
type Sampler interface {
	Sample() (Usage, error)
}

// ProcessSampler samples a process through the platform probe. CPU percent is
// the share of one core consumed since the previous sample.
type ProcessSampler struct {
	pid int

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	now      func() time.Time
}

// NewProcessSampler samples pid, or the calling process when pid <= 0.
func NewProcessSampler(pid int) *ProcessSampler {
	if pid <= 0 {
		pid = os.Getpid()
	}
	return &ProcessSampler{pid: pid, now: time.Now}
}

// PID returns the sampled process id.
func (s *ProcessSampler) PID() int { return s.pid }

// Sample reads current usage.
func (s *ProcessSampler) Sample() (Usage, error) {
	raw, err := readProcess(s.pid)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{
		PID:        s.pid,
		MemoryMB:   float64(raw.rssBytes) / (1024 * 1024),
		OpenFiles:  raw.openFiles,
		NumThreads: raw.threads,
		ReadBytes:  raw.readBytes,
		WriteBytes: raw.writeBytes,
	}
	if raw.totalMemBytes > 0 {
		usage.MemoryPercent = float64(raw.rssBytes) / float64(raw.totalMemBytes) * 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastWall.IsZero() {
		wall := now.Sub(s.lastWall)
		if wall > 0 && raw.cpuTime >= s.lastCPU {
			usage.CPUPercent = float64(raw.cpuTime-s.lastCPU) / float64(wall) * 100
		}
	}
	s.lastCPU = raw.cpuTime
	s.lastWall = now
	return usage, nil
}

type rawProcess struct {
	rssBytes      uint64
	totalMemBytes uint64
	cpuTime       time.Duration
	openFiles     int
	threads       int
	readBytes     uint64
	writeBytes    uint64
}
