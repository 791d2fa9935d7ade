package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/fileutil"
	"loom/internal/lock"
	"loom/internal/logging"
	"loom/internal/sysprobe"
)

const (
	// DirName is the monitoring directory under the coordination root.
	DirName = "monitoring"
	// SnapshotSuffix ends every per-worker usage snapshot file name.
	SnapshotSuffix = "_usage.json"

	defaultInterval    = 5 * time.Second
	defaultHistorySize = 100
	defaultThrottle    = 30 * time.Second
	defaultTrendWindow = 5
	snapshotLockWait   = 2 * time.Second
)

// Sample is one timestamped reading for a worker.
type Sample struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	sysprobe.Usage
}

// Stats summarizes the monitor's sample history.
type Stats struct {
	Samples        int       `json:"samples"`
	AvgMemoryMB    float64   `json:"avg_memory_mb"`
	AvgCPUPercent  float64   `json:"avg_cpu_percent"`
	MaxMemoryMB    float64   `json:"max_memory_mb"`
	MaxCPUPercent  float64   `json:"max_cpu_percent"`
	Throttled      bool      `json:"throttled"`
	ThrottledUntil time.Time `json:"throttled_until,omitzero"`
	Limits         Limits    `json:"limits"`
}

// Snapshot is the file a monitor publishes for the global view.
type Snapshot struct {
	Current   Sample `json:"current"`
	Stats     Stats  `json:"stats"`
	Throttled bool   `json:"throttled"`
}

// ViolationFunc is notified of limit violations.
type ViolationFunc func(workerID string, violations []Violation)

// Monitor samples one worker's usage.
type Monitor struct {
	workerID     string
	snapshotPath string
	locks        *lock.Manager
	sampler      sysprobe.Sampler
	interval     time.Duration
	historySize  int
	throttleFor  time.Duration
	trendWindow  int
	now          func() time.Time
	logger       *slog.Logger

	mu            sync.Mutex
	limits        Limits
	history       []Sample
	throttleUntil time.Time
	callbacks     []ViolationFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the process sampler.
func WithSampler(s sysprobe.Sampler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sampler = s
		}
	}
}

// WithLimits sets the initial limits.
func WithLimits(l Limits) Option {
	return func(m *Monitor) { m.limits = l }
}

// WithInterval sets the Run sampling cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithHistorySize caps the in-memory sample ring.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithThrottleDuration sets the window a violation throttles for.
func WithThrottleDuration(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.throttleFor = d
		}
	}
}

// WithTrendWindow sets how many samples the trend guard projects over. Values
// below 2 disable it.
func WithTrendWindow(n int) Option {
	return func(m *Monitor) { m.trendWindow = n }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logging.NewComponentLogger(logger, "resource").With(logging.String(logging.FieldWorkerID, m.workerID))
	}
}

// NewMonitor constructs a monitor for workerID publishing under root/monitoring.
func NewMonitor(root, workerID string, locks *lock.Manager, opts ...Option) (*Monitor, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" || strings.ContainsAny(workerID, `/\`) {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "resource", "new", fmt.Sprintf("invalid worker id %q", workerID), nil)
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create monitoring dir: %w", err)
	}
	m := &Monitor{
		workerID:     workerID,
		snapshotPath: filepath.Join(dir, workerID+SnapshotSuffix),
		locks:        locks,
		sampler:      sysprobe.NewProcessSampler(0),
		interval:     defaultInterval,
		historySize:  defaultHistorySize,
		throttleFor:  defaultThrottle,
		trendWindow:  defaultTrendWindow,
		now:          time.Now,
		limits:       DefaultLimits(),
	}
	m.logger = logging.NewComponentLogger(nil, "resource")
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewMonitorFromConfig constructs a monitor with configured limits and timing.
func NewMonitorFromConfig(cfg *config.Config, workerID string, locks *lock.Manager, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	base := []Option{
		WithLimits(LimitsFromConfig(cfg)),
		WithInterval(cfg.SampleInterval()),
		WithHistorySize(cfg.Resource.HistorySize),
		WithThrottleDuration(cfg.ThrottleDuration()),
		WithTrendWindow(cfg.Resource.TrendWindow),
		WithLogger(logger),
	}
	return NewMonitor(cfg.Paths.Root, workerID, locks, append(base, opts...)...)
}

// SetLimits replaces the limits.
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

// Limits returns the current limits.
func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// OnViolation registers a callback for violations found by Sample or CheckLimits.
func (m *Monitor) OnViolation(fn ViolationFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

func (m *Monitor) measure() (Sample, error) {
	usage, err := m.sampler.Sample()
	if err != nil {
		return Sample{}, fmt.Errorf("sample usage: %w", err)
	}
	return Sample{WorkerID: m.workerID, Timestamp: m.now().UTC(), Usage: usage}, nil
}

// CheckLimits takes a fresh reading outside the history and returns its
// violations, notifying callbacks when there are any.
func (m *Monitor) CheckLimits() ([]Violation, error) {
	sample, err := m.measure()
	if err != nil {
		return nil, err
	}
	violations := m.Limits().Check(sample.Usage)
	if len(violations) > 0 {
		m.notify(violations)
	}
	return violations, nil
}

// Sample records one reading: it appends to the history, throttles on a
// measured violation or a projected one, and publishes the usage snapshot.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	sample, err := m.measure()
	if err != nil {
		return Sample{}, err
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if over := len(m.history) - m.historySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	limits := m.limits
	violations := limits.Check(sample.Usage)
	if len(violations) == 0 && m.trendWindow >= 2 && len(m.history) >= m.trendWindow {
		violations = projectViolations(limits, m.history[len(m.history)-m.trendWindow:])
	}
	throttledNow := false
	if len(violations) > 0 && !m.throttledLocked() {
		m.throttleUntil = m.now().Add(m.throttleFor)
		throttledNow = true
	}
	m.mu.Unlock()

	if len(violations) > 0 {
		m.notify(violations)
	}
	if throttledNow {
		logging.WarnWithContext(m.logger, "worker throttled", "resource_throttled",
			logging.String("metrics", describe(violations)),
			logging.Bool("projected", violations[0].Projected),
			logging.Duration("duration", m.throttleFor),
			logging.String(logging.FieldImpact, "worker pauses new tasks until the throttle window ends"),
			logging.String(logging.FieldErrorHint, "raise [resource] limits or reduce per-task load"),
		)
	}
	if err := m.persist(ctx, sample); err != nil {
		m.logger.Warn("usage snapshot write failed", logging.Error(err))
	}
	return sample, nil
}

func (m *Monitor) notify(violations []Violation) {
	m.mu.Lock()
	callbacks := append([]ViolationFunc(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("violation callback panicked", logging.Any("panic", r))
				}
			}()
			cb(m.workerID, violations)
		}()
	}
}

// Throttle pauses the worker for d, or the configured window when d <= 0.
func (m *Monitor) Throttle(d time.Duration) {
	if d <= 0 {
		d = m.throttleFor
	}
	m.mu.Lock()
	m.throttleUntil = m.now().Add(d)
	m.mu.Unlock()
}

// IsThrottled reports whether the throttle window is still open.
func (m *Monitor) IsThrottled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttledLocked()
}

func (m *Monitor) throttledLocked() bool {
	return !m.throttleUntil.IsZero() && m.now().Before(m.throttleUntil)
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// Stats summarizes the sample history.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Monitor) statsLocked() Stats {
	stats := Stats{Samples: len(m.history), Limits: m.limits, Throttled: m.throttledLocked()}
	if stats.Throttled {
		stats.ThrottledUntil = m.throttleUntil
	}
	if len(m.history) == 0 {
		return stats
	}
	var memSum, cpuSum float64
	for _, s := range m.history {
		memSum += s.MemoryMB
		cpuSum += s.CPUPercent
		stats.MaxMemoryMB = max(stats.MaxMemoryMB, s.MemoryMB)
		stats.MaxCPUPercent = max(stats.MaxCPUPercent, s.CPUPercent)
	}
	n := float64(len(m.history))
	stats.AvgMemoryMB = round2(memSum / n)
	stats.AvgCPUPercent = round2(cpuSum / n)
	stats.MaxMemoryMB = round2(stats.MaxMemoryMB)
	stats.MaxCPUPercent = round2(stats.MaxCPUPercent)
	return stats
}

func (m *Monitor) persist(ctx context.Context, sample Sample) error {
	m.mu.Lock()
	snap := Snapshot{Current: sample, Stats: m.statsLocked()}
	m.mu.Unlock()
	snap.Throttled = snap.Stats.Throttled

	write := func() error { return fileutil.WriteJSON(m.snapshotPath, snap) }
	if m.locks == nil {
		return write()
	}
	return m.locks.WithFileLock(ctx, m.snapshotPath, snapshotLockWait, write)
}

// Run samples every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("resource sample failed", logging.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("resource sample failed", logging.Error(err))
			}
		}
	}
}

// Remove deletes the worker's usage snapshot.
func (m *Monitor) Remove() error {
	if err := os.Remove(m.snapshotPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove usage snapshot: %w", err)
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
