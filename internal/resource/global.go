package resource

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/fileutil"
	"loom/internal/logging"
)

// admissionMemoryShare is the fraction of the global memory ceiling beyond
// which no new worker is admitted.
const admissionMemoryShare = 0.8

// GlobalLimits bounds the whole pool.
type GlobalLimits struct {
	TotalMemoryMB   float64 `json:"total_memory_mb"`
	TotalCPUPercent float64 `json:"total_cpu_percent"`
	MaxWorkers      int     `json:"max_workers"`
}

// DefaultGlobalLimits returns the pool-wide defaults.
func DefaultGlobalLimits() GlobalLimits {
	return GlobalLimits{TotalMemoryMB: 2048, TotalCPUPercent: 80, MaxWorkers: 10}
}

// Total aggregates the fresh snapshots under monitoring/.
type Total struct {
	MemoryMB       float64           `json:"memory_mb"`
	CPUPercent     float64           `json:"cpu_percent"`
	WorkerCount    int               `json:"worker_count"`
	StaleSnapshots int               `json:"stale_snapshots"`
	Throttled      []string          `json:"throttled,omitempty"`
	Workers        map[string]Sample `json:"workers"`
}

// Global reads every worker's usage snapshot.
type Global struct {
	dir      string
	limits   GlobalLimits
	perChild Limits
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// GlobalOption configures a Global.
type GlobalOption func(*Global)

// WithGlobalLimits sets the pool-wide ceilings.
func WithGlobalLimits(l GlobalLimits) GlobalOption {
	return func(g *Global) { g.limits = l }
}

// WithWorkerCeiling caps what Allocation hands out per worker.
func WithWorkerCeiling(l Limits) GlobalOption {
	return func(g *Global) { g.perChild = l }
}

// WithSnapshotMaxAge skips snapshots older than d. Zero keeps every snapshot.
func WithSnapshotMaxAge(d time.Duration) GlobalOption {
	return func(g *Global) { g.maxAge = d }
}

// WithGlobalClock replaces the time source.
func WithGlobalClock(now func() time.Time) GlobalOption {
	return func(g *Global) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGlobalLogger attaches a logger.
func WithGlobalLogger(logger *slog.Logger) GlobalOption {
	return func(g *Global) { g.logger = logging.NewComponentLogger(logger, "resource-global") }
}

// NewGlobal constructs the pool view over root/monitoring.
func NewGlobal(root string, opts ...GlobalOption) *Global {
	g := &Global{
		dir:      filepath.Join(root, DirName),
		limits:   DefaultGlobalLimits(),
		perChild: DefaultLimits(),
		now:      time.Now,
		logger:   logging.NewComponentLogger(nil, "resource-global"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGlobalFromConfig constructs the pool view with configured ceilings.
func NewGlobalFromConfig(cfg *config.Config, logger *slog.Logger) *Global {
	return NewGlobal(cfg.Paths.Root,
		WithGlobalLimits(GlobalLimits{
			TotalMemoryMB:   cfg.Resource.GlobalMemoryMB,
			TotalCPUPercent: cfg.Resource.GlobalCPUPercent,
			MaxWorkers:      cfg.Resource.MaxWorkers,
		}),
		WithWorkerCeiling(LimitsFromConfig(cfg)),
		WithSnapshotMaxAge(cfg.SnapshotMaxAge()),
		WithGlobalLogger(logger),
	)
}

// Limits returns the pool-wide ceilings.
func (g *Global) Limits() GlobalLimits { return g.limits }

// TotalUsage sums the current sample of every fresh snapshot. Unreadable files
// are skipped; snapshots older than the max age are counted as stale.
func (g *Global) TotalUsage() (Total, error) {
	total := Total{Workers: map[string]Sample{}}
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return total, nil
		}
		return total, fmt.Errorf("read monitoring dir: %w", err)
	}
	now := g.now()
	for _, entry := range entries {
		name := entry.Name()
		workerID, ok := strings.CutSuffix(name, SnapshotSuffix)
		if !ok || entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		var snap Snapshot
		if _, err := fileutil.ReadJSON(filepath.Join(g.dir, name), &snap); err != nil {
			g.logger.Debug("skipping unreadable usage snapshot", logging.String("file", name), logging.Error(err))
			continue
		}
		if g.maxAge > 0 && now.Sub(snap.Current.Timestamp) > g.maxAge {
			total.StaleSnapshots++
			continue
		}
		total.MemoryMB += snap.Current.MemoryMB
		total.CPUPercent += snap.Current.CPUPercent
		total.WorkerCount++
		total.Workers[workerID] = snap.Current
		if snap.Throttled {
			total.Throttled = append(total.Throttled, workerID)
		}
	}
	sort.Strings(total.Throttled)
	total.MemoryMB = round2(total.MemoryMB)
	total.CPUPercent = round2(total.CPUPercent)
	return total, nil
}

// CanStartWorker reports whether the pool has room for another worker, with the
// reason when it does not.
func (g *Global) CanStartWorker() (bool, string, error) {
	total, err := g.TotalUsage()
	if err != nil {
		return false, "", err
	}
	return g.admit(total)
}

func (g *Global) admit(total Total) (bool, string, error) {
	if g.limits.MaxWorkers > 0 && total.WorkerCount >= g.limits.MaxWorkers {
		return false, fmt.Sprintf("worker count %d at limit %d", total.WorkerCount, g.limits.MaxWorkers), nil
	}
	if ceiling := g.limits.TotalMemoryMB * admissionMemoryShare; g.limits.TotalMemoryMB > 0 && total.MemoryMB > ceiling {
		return false, fmt.Sprintf("memory %.1fMB above %.1fMB", total.MemoryMB, ceiling), nil
	}
	if g.limits.TotalCPUPercent > 0 && total.CPUPercent > g.limits.TotalCPUPercent {
		return false, fmt.Sprintf("cpu %.1f%% above %.1f%%", total.CPUPercent, g.limits.TotalCPUPercent), nil
	}
	return true, "", nil
}

// Allocation returns workerID's fair share of the pool: the global ceilings
// divided by the live worker count, capped at the per-worker limits.
func (g *Global) Allocation(workerID string) (Limits, error) {
	total, err := g.TotalUsage()
	if err != nil {
		return Limits{}, err
	}
	n := total.WorkerCount
	if _, known := total.Workers[workerID]; !known {
		n++
	}
	n = max(1, n)
	alloc := g.perChild
	if g.limits.TotalMemoryMB > 0 {
		alloc.MemoryMB = min(g.perChild.MemoryMB, g.limits.TotalMemoryMB/float64(n))
	}
	if g.limits.TotalCPUPercent > 0 {
		alloc.CPUPercent = min(g.perChild.CPUPercent, g.limits.TotalCPUPercent/float64(n))
	}
	return alloc, nil
}
