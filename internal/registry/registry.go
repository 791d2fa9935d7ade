package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/fileutil"
	"loom/internal/lock"
	"loom/internal/logging"
)

const (
	// DirName is the registry directory under the coordination root.
	DirName = "registry"
	// ActiveFile holds the map of registered workers.
	ActiveFile = "active-workers.json"
	// HistoryFile holds the capped lifecycle event log.
	HistoryFile = "worker-history.json"
	// LockResource guards both registry files.
	LockResource = "registry"

	defaultLivenessTimeout = 60 * time.Second
	defaultSweepInterval   = 30 * time.Second
	defaultHistoryLimit    = 1000
)

// Registry reads and mutates the shared worker registry.
type Registry struct {
	activePath  string
	historyPath string
	locks       *lock.Manager
	lockTimeout time.Duration

	liveness     time.Duration
	sweepEvery   time.Duration
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessTimeout sets how long a worker may go without a heartbeat.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.liveness = d
		}
	}
}

// WithSweepInterval sets the background cleanup cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

// WithHistoryLimit caps the history file.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithLockTimeout bounds the wait for the registry lock.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.NewComponentLogger(logger, "registry")
	}
}

// New constructs a Registry under root that serializes mutations through locks.
func New(root string, locks *lock.Manager, opts ...Option) (*Registry, error) {
	if locks == nil {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "registry", "new", "lock manager is required", nil)
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{
		activePath:   filepath.Join(dir, ActiveFile),
		historyPath:  filepath.Join(dir, HistoryFile),
		locks:        locks,
		liveness:     defaultLivenessTimeout,
		sweepEvery:   defaultSweepInterval,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		logger:       logging.NewComponentLogger(nil, "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewFromConfig constructs a Registry using the configured liveness windows.
func NewFromConfig(cfg *config.Config, locks *lock.Manager, logger *slog.Logger, opts ...Option) (*Registry, error) {
	base := []Option{
		WithLivenessTimeout(cfg.LivenessTimeout()),
		WithSweepInterval(cfg.SweepInterval()),
		WithHistoryLimit(cfg.Registry.HistoryLimit),
		WithLockTimeout(cfg.LockTimeout()),
		WithLogger(logger),
	}
	return New(cfg.Paths.Root, locks, append(base, opts...)...)
}

// LivenessTimeout returns the heartbeat window.
func (r *Registry) LivenessTimeout() time.Duration { return r.liveness }

// Register adds or replaces rec. Started and LastHeartbeat default to now, PID
// to the current process and Activity to idle.
func (r *Registry) Register(ctx context.Context, rec Record) (Record, error) {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return Record{}, coorderr.Wrap(coorderr.ErrValidation, "registry", "register", "worker id is required", nil)
	}
	now := r.now().UTC()
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Started.IsZero() {
		rec.Started = now
	}
	if rec.Activity == "" {
		rec.Activity = ActivityIdle
	}
	rec.LastHeartbeat = now
	rec.Status = StatusActive

	err := r.mutate(ctx, "register", func(active map[string]Record) ([]Event, error) {
		active[rec.ID] = rec
		return []Event{{
			Event:     EventRegistered,
			WorkerID:  rec.ID,
			Timestamp: now,
			Metadata:  registrationMetadata(rec),
		}}, nil
	})
	if err != nil {
		return Record{}, err
	}
	r.logger.Info("worker registered",
		logging.String(logging.FieldWorkerID, rec.ID),
		logging.String(logging.FieldWorkerType, rec.Type),
		logging.Int("pid", rec.PID),
	)
	return rec, nil
}

// Deregister removes id. It reports whether the worker was registered.
func (r *Registry) Deregister(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = "shutdown"
	}
	removed := false
	err := r.mutate(ctx, "deregister", func(active map[string]Record) ([]Event, error) {
		rec, ok := active[id]
		if !ok {
			return nil, nil
		}
		delete(active, id)
		removed = true
		now := r.now().UTC()
		return []Event{{
			Event:         EventDeregistered,
			WorkerID:      id,
			Timestamp:     now,
			Reason:        reason,
			UptimeSeconds: int64(rec.Uptime(now).Seconds()),
		}}, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Info("worker deregistered", logging.String(logging.FieldWorkerID, id), logging.String("reason", reason))
	}
	return removed, nil
}

// Heartbeat refreshes id's liveness. It reports false when id is unknown, which
// happens after a sweep removed the worker.
func (r *Registry) Heartbeat(ctx context.Context, id string) (bool, error) {
	found := false
	err := r.mutate(ctx, "heartbeat", func(active map[string]Record) ([]Event, error) {
		rec, ok := active[id]
		if !ok {
			return nil, errSkipWrite
		}
		found = true
		rec.LastHeartbeat = r.now().UTC()
		rec.Status = StatusActive
		active[id] = rec
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Update applies fn to id's record under the registry lock. Identity fields
// (id, pid, started, heartbeat) are preserved regardless of what fn does.
func (r *Registry) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	var updated Record
	err := r.mutate(ctx, "update", func(active map[string]Record) ([]Event, error) {
		rec, ok := active[id]
		if !ok {
			return nil, coorderr.Wrap(coorderr.ErrNotFound, "registry", "update", "worker "+id, nil)
		}
		next := rec
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.ID, next.PID, next.Started, next.LastHeartbeat = rec.ID, rec.PID, rec.Started, rec.LastHeartbeat
		active[id] = next
		updated = next
		if next.Activity == rec.Activity && next.CurrentTask == rec.CurrentTask {
			return nil, nil
		}
		return []Event{{
			Event:     EventUpdated,
			WorkerID:  id,
			Timestamp: r.now().UTC(),
			Metadata: map[string]any{
				"activity":     string(next.Activity),
				"current_task": next.CurrentTask,
			},
		}}, nil
	})
	return updated, err
}

// Get returns id's record with its liveness evaluated now.
func (r *Registry) Get(id string) (Record, bool, error) {
	active, err := r.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := active[id]
	if !ok {
		return Record{}, false, nil
	}
	return r.withLiveness(rec, r.now()), true, nil
}

// List returns every registered worker, stale ones included, sorted by id.
func (r *Registry) List() ([]Record, error) {
	active, err := r.load()
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Record, 0, len(active))
	for _, rec := range active {
		out = append(out, r.withLiveness(rec, now))
	}
	sortRecords(out)
	return out, nil
}

// ListActive returns workers whose heartbeat falls inside the liveness window.
// It never mutates the registry.
func (r *Registry) ListActive() ([]Record, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ByType returns active workers of workerType.
func (r *Registry) ByType(workerType string) ([]Record, error) {
	return r.filterActive(func(rec Record) bool { return rec.Type == workerType })
}

// ByWorkPackage returns active workers assigned to workPackage.
func (r *Registry) ByWorkPackage(workPackage string) ([]Record, error) {
	return r.filterActive(func(rec Record) bool { return rec.WorkPackage == workPackage })
}

func (r *Registry) filterActive(keep func(Record) bool) ([]Record, error) {
	active, err := r.ListActive()
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, rec := range active {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CleanupStale removes workers past the liveness window and returns their ids.
func (r *Registry) CleanupStale(ctx context.Context) ([]string, error) {
	var removed []string
	err := r.mutate(ctx, "cleanup", func(active map[string]Record) ([]Event, error) {
		now := r.now().UTC()
		var events []Event
		for id, rec := range active {
			if now.Sub(rec.LastHeartbeat) <= r.liveness {
				continue
			}
			delete(active, id)
			removed = append(removed, id)
			last := rec.LastHeartbeat
			events = append(events, Event{
				Event:         EventTimeout,
				WorkerID:      id,
				Timestamp:     now,
				LastHeartbeat: &last,
				UptimeSeconds: int64(rec.Uptime(now).Seconds()),
			})
		}
		if len(removed) == 0 {
			return nil, errSkipWrite
		}
		sort.Strings(removed)
		sort.Slice(events, func(i, j int) bool { return events[i].WorkerID < events[j].WorkerID })
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range removed {
		logging.WarnWithContext(r.logger, "worker timed out", "worker_timeout",
			logging.String(logging.FieldWorkerID, id),
			logging.Duration("liveness_timeout", r.liveness),
			logging.String(logging.FieldImpact, "worker removed from registry; its work will be reassigned"),
			logging.String(logging.FieldErrorHint, "check whether the worker process crashed or stalled"),
		)
	}
	return removed, nil
}

// History returns the recorded lifecycle events, oldest first.
func (r *Registry) History() ([]Event, error) {
	var history []Event
	if _, err := fileutil.ReadJSON(r.historyPath, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Stats summarizes the active workers.
func (r *Registry) Stats() (Stats, error) {
	active, err := r.ListActive()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalActive:   len(active),
		ByType:        map[string]int{},
		ByWorkPackage: map[string]int{},
	}
	if len(active) == 0 {
		return stats, nil
	}
	now := r.now()
	var total time.Duration
	oldest, newest := active[0], active[0]
	for _, rec := range active {
		stats.ByType[rec.Type]++
		if rec.WorkPackage != "" {
			stats.ByWorkPackage[rec.WorkPackage]++
		}
		if rec.Started.Before(oldest.Started) {
			oldest = rec
		}
		if rec.Started.After(newest.Started) {
			newest = rec
		}
		total += rec.Uptime(now)
	}
	stats.OldestWorker = oldest.ID
	stats.NewestWorker = newest.ID
	stats.AverageUptimeSeconds = int64(total.Seconds()) / int64(len(active))
	return stats, nil
}

func (r *Registry) withLiveness(rec Record, now time.Time) Record {
	if now.Sub(rec.LastHeartbeat) <= r.liveness {
		rec.Status = StatusActive
	} else {
		rec.Status = StatusStale
	}
	return rec
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

func registrationMetadata(rec Record) map[string]any {
	meta := map[string]any{"worker_type": rec.Type, "pid": rec.PID}
	if rec.WorkPackage != "" {
		meta["work_package"] = rec.WorkPackage
	}
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	return meta
}
