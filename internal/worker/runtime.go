package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/lock"
	"loom/internal/logging"
	"loom/internal/registry"
	"loom/internal/resource"
)

// ErrDependencyTimeout is returned when dependencies do not complete in time.
var ErrDependencyTimeout = coorderr.ErrDependencyTimeout

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultThrottleBackoff   = 5 * time.Second
	defaultResourceTimeout   = 10 * time.Second
	defaultDependencyTimeout = 300 * time.Second
	stopTimeout              = 5 * time.Second
)

// Deps are the coordination components a runtime drives. Monitor and Global
// are optional; with both set the monitor's limits become the worker's fair
// share of the global ceiling.
type Deps struct {
	Locks    *lock.Manager
	Registry *registry.Registry
	Bus      *bus.Bus
	Monitor  *resource.Monitor
	Global   *resource.Global
	Logger   *slog.Logger
}

// Options describe one worker identity and its timings.
type Options struct {
	ID                string
	Type              string
	WorkPackage       string
	Capabilities      []string
	Metadata          map[string]any
	Executor          Executor
	HeartbeatInterval time.Duration
	ThrottleBackoff   time.Duration
	ResourceTimeout   time.Duration
	DependencyTimeout time.Duration
}

// Runtime runs one worker's cooperative loop.
type Runtime struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	active   atomic.Bool
	stopOnce sync.Once
	shutdown chan struct{}

	mu             sync.Mutex
	queue          []Task
	current        string
	completed      map[string]struct{}
	completedCh    chan struct{}
	tasksCompleted int
	tasksFailed    int
	registeredAt   time.Time
	subscriptions  map[string]bus.Subscription

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a runtime from explicit dependencies.
func New(deps Deps, opts Options) (*Runtime, error) {
	if deps.Locks == nil || deps.Registry == nil || deps.Bus == nil {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "worker", "new", "locks, registry and bus are required", nil)
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		opts.ID = deps.Bus.Recipient()
	}
	if opts.ID != deps.Bus.Recipient() {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "worker", "new",
			fmt.Sprintf("bus recipient %q does not match worker id %q", deps.Bus.Recipient(), opts.ID), nil)
	}
	if opts.Type == "" {
		opts.Type = "developer"
	}
	if opts.Executor == nil {
		opts.Executor = CommandExecutor{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ThrottleBackoff <= 0 {
		opts.ThrottleBackoff = defaultThrottleBackoff
	}
	if opts.ResourceTimeout <= 0 {
		opts.ResourceTimeout = defaultResourceTimeout
	}
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = defaultDependencyTimeout
	}
	logger := logging.NewComponentLogger(deps.Logger, "worker").With(
		logging.String(logging.FieldWorkerID, opts.ID),
		logging.String(logging.FieldWorkerType, opts.Type),
	)
	return &Runtime{
		deps:          deps,
		opts:          opts,
		logger:        logger,
		shutdown:      make(chan struct{}),
		completed:     map[string]struct{}{},
		completedCh:   make(chan struct{}),
		subscriptions: map[string]bus.Subscription{},
		wake:          make(chan struct{}, 1),
	}, nil
}

// NewFromConfig builds the lock manager, registry, bus and monitor for opts.ID
// from cfg and assembles a runtime around them. monitorOpts are applied after
// the configured monitor settings.
func NewFromConfig(cfg *config.Config, opts Options, logger *slog.Logger, monitorOpts ...resource.Option) (*Runtime, error) {
	if strings.TrimSpace(opts.ID) == "" {
		opts.ID = registry.NewWorkerID(opts.Type)
	}
	locks, err := lock.NewFromConfig(cfg, opts.ID, logger)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewFromConfig(cfg, locks, logger)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewFromConfig(cfg, opts.ID, logger)
	if err != nil {
		return nil, err
	}
	mon, err := resource.NewMonitorFromConfig(cfg, opts.ID, locks, logger, monitorOpts...)
	if err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = cfg.HeartbeatInterval()
	}
	if opts.ThrottleBackoff <= 0 {
		opts.ThrottleBackoff = cfg.ThrottleBackoff()
	}
	if opts.ResourceTimeout <= 0 {
		opts.ResourceTimeout = cfg.ResourceTimeout()
	}
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = cfg.DependencyTimeout()
	}
	global := resource.NewGlobalFromConfig(cfg, logger)
	return New(Deps{Locks: locks, Registry: reg, Bus: b, Monitor: mon, Global: global, Logger: logger}, opts)
}

// ID returns the worker id.
func (r *Runtime) ID() string { return r.opts.ID }

// Type returns the worker type.
func (r *Runtime) Type() string { return r.opts.Type }

// Active reports whether Start succeeded and Stop has not run.
func (r *Runtime) Active() bool { return r.active.Load() }

// Done is closed when a shutdown message arrives or Stop runs.
func (r *Runtime) Done() <-chan struct{} { return r.shutdown }

// Start registers the worker, starts heartbeats, resource sampling and the
// bus, installs the default handlers and announces the worker.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.active.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.register(ctx); err != nil {
		r.active.Store(false)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deps.Registry.HeartbeatLoop(runCtx, r.opts.ID, r.opts.HeartbeatInterval, r.register)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refreshLocks(runCtx)
	}()
	if r.deps.Monitor != nil {
		r.applyAllocation()
		r.deps.Monitor.OnViolation(r.onViolation)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = r.deps.Monitor.Run(runCtx)
		}()
	}

	r.installHandlers()
	if err := r.deps.Bus.Start(runCtx); err != nil {
		r.teardown("start failed")
		return fmt.Errorf("start bus: %w", err)
	}
	if err := r.deps.Bus.Publish(bus.Discovery(r.opts.ID, r.opts.Type, r.opts.Capabilities)); err != nil {
		r.logger.Warn("discovery broadcast failed", logging.Error(err))
	}
	r.logger.Info("worker started", logging.Int("pid", os.Getpid()))
	return nil
}

func (r *Runtime) register(ctx context.Context) error {
	metadata := map[string]any{}
	for k, v := range r.opts.Metadata {
		metadata[k] = v
	}
	if len(r.opts.Capabilities) > 0 {
		metadata["capabilities"] = r.opts.Capabilities
	}
	r.mu.Lock()
	current, completed, failed, started := r.current, r.tasksCompleted, r.tasksFailed, r.registeredAt
	r.mu.Unlock()
	activity := registry.ActivityIdle
	if current != "" {
		activity = registry.ActivityWorking
	}
	// A re-registration after a sweep keeps the original start and counters.
	rec, err := r.deps.Registry.Register(ctx, registry.Record{
		ID:             r.opts.ID,
		Type:           r.opts.Type,
		Started:        started,
		WorkPackage:    r.opts.WorkPackage,
		Activity:       activity,
		CurrentTask:    current,
		TasksCompleted: completed,
		TasksFailed:    failed,
		Metadata:       metadata,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.registeredAt.IsZero() {
		r.registeredAt = rec.Started
	}
	r.mu.Unlock()
	return nil
}

// refreshLocks re-stamps held locks at a third of the default staleness window.
func (r *Runtime) refreshLocks(ctx context.Context) {
	interval := r.deps.Locks.StaleAfter("") / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.deps.Locks.RefreshAll(); err != nil {
				r.logger.Warn("lock refresh failed", logging.Error(err))
			}
		}
	}
}

func (r *Runtime) applyAllocation() {
	if r.deps.Global == nil {
		return
	}
	alloc, err := r.deps.Global.Allocation(r.opts.ID)
	if err != nil {
		r.logger.Warn("resource allocation unavailable; keeping configured limits", logging.Error(err))
		return
	}
	r.deps.Monitor.SetLimits(alloc)
	r.logger.Debug("resource allocation applied", logging.Float64("memory_mb", alloc.MemoryMB))
}

func (r *Runtime) onViolation(_ string, violations []resource.Violation) {
	for _, v := range violations {
		logging.WarnWithContext(r.logger, "resource limit exceeded", "resource_limit_exceeded",
			logging.String("metric", v.Metric),
			logging.Float64("value", v.Value),
			logging.Float64("limit", v.Limit),
			logging.String(logging.FieldImpact, "worker throttled before taking new tasks"),
		)
	}
}

// Enqueue adds a task to the local queue. Duplicate ids are ignored.
func (r *Runtime) Enqueue(task Task) bool {
	r.mu.Lock()
	if task.ID == "" || task.ID == r.current {
		r.mu.Unlock()
		return false
	}
	for _, queued := range r.queue {
		if queued.ID == task.ID {
			r.mu.Unlock()
			return false
		}
	}
	task.WorkerID = r.opts.ID
	task.WorkerType = r.opts.Type
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Runtime) next() (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return Task{}, false
	}
	task := r.queue[0]
	r.queue = r.queue[1:]
	return task, true
}

func (r *Runtime) requeueFront(task Task) {
	r.mu.Lock()
	r.queue = append([]Task{task}, r.queue...)
	r.mu.Unlock()
}

// Run processes queued tasks until ctx is cancelled, a shutdown message
// arrives, or Stop runs.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.active.Load() {
		return coorderr.Wrap(coorderr.ErrValidation, "worker", "run", "worker not started", nil)
	}
	for r.active.Load() {
		task, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.shutdown:
				return nil
			case <-r.wake:
			}
			continue
		}
		if r.deps.Monitor != nil && r.deps.Monitor.IsThrottled() {
			r.requeueFront(task)
			r.logger.Info("worker throttled; delaying task",
				logging.String(logging.FieldPackageID, task.ID),
				logging.Duration("backoff", r.opts.ThrottleBackoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-r.shutdown:
				return nil
			case <-time.After(r.opts.ThrottleBackoff):
			}
			continue
		}
		r.execute(ctx, task)
	}
	return nil
}

func (r *Runtime) execute(ctx context.Context, task Task) {
	r.mu.Lock()
	r.current = task.ID
	r.mu.Unlock()
	logger := r.logger.With(logging.String(logging.FieldPackageID, task.ID))
	logger.Info("task started", logging.String("type", task.Type))

	started := time.Now()
	result, err := r.opts.Executor.Execute(logging.WithPackageID(ctx, task.ID), task)
	if result == nil {
		result = map[string]any{}
	}

	r.mu.Lock()
	r.current = ""
	if err == nil {
		r.tasksCompleted++
	} else {
		r.tasksFailed++
	}
	r.mu.Unlock()

	var msg bus.Message
	if err != nil {
		logging.WarnWithContext(logger, "task failed", "task_failed",
			logging.Error(err),
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldImpact, "package reported as error to the orchestrator"),
		)
		result["error"] = err.Error()
		msg = bus.TaskFailed(r.opts.ID, task.ID, err.Error(), result)
	} else {
		logger.Info("task completed", logging.Duration("elapsed", time.Since(started)))
		r.markCompleted(task.ID)
		msg = bus.TaskComplete(r.opts.ID, task.ID, result)
	}
	if pubErr := r.deps.Bus.Publish(msg); pubErr != nil {
		logging.ErrorWithContext(logger, "task result publish failed", "publish_failed",
			logging.Error(pubErr),
			logging.String(logging.FieldErrorHint, "check the coordination root is writable"),
		)
	}
}

func (r *Runtime) markCompleted(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.completed[taskID]; ok {
		return
	}
	r.completed[taskID] = struct{}{}
	close(r.completedCh)
	r.completedCh = make(chan struct{})
}

// Status summarizes the runtime for status_request replies.
func (r *Runtime) Status() map[string]any {
	r.mu.Lock()
	status := map[string]any{
		"worker_id":       r.opts.ID,
		"worker_type":     r.opts.Type,
		"active":          r.active.Load(),
		"current_task":    r.current,
		"queued":          len(r.queue),
		"tasks_completed": r.tasksCompleted,
		"tasks_failed":    r.tasksFailed,
	}
	r.mu.Unlock()
	if r.deps.Monitor != nil {
		stats := r.deps.Monitor.Stats()
		status["throttled"] = stats.Throttled
		status["resources"] = stats
	}
	return status
}

// Stop deactivates the worker: it stops the bus and background loops,
// releases every held lock, removes the usage snapshot and deregisters.
func (r *Runtime) Stop(reason string) error {
	if !r.active.CompareAndSwap(true, false) {
		return nil
	}
	return r.teardown(reason)
}

func (r *Runtime) teardown(reason string) error {
	r.signalShutdown()
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.deps.Bus.Stop()
	r.wg.Wait()
	r.removeHandlers()

	var errs []error
	if err := r.deps.Locks.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release locks: %w", err))
	}
	if r.deps.Monitor != nil {
		if err := r.deps.Monitor.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if _, err := r.deps.Registry.Deregister(ctx, r.opts.ID, reason); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	r.active.Store(false)
	r.logger.Info("worker stopped", logging.String("reason", reason))
	return errors.Join(errs...)
}

func (r *Runtime) signalShutdown() {
	r.stopOnce.Do(func() { close(r.shutdown) })
}
