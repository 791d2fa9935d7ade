package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/conflict"
	"loom/internal/ledger"
	"loom/internal/lock"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/orchestrator"
	"loom/internal/plan"
	"loom/internal/registry"
	"loom/internal/resource"
)

// LockFileName guards the coordination root against concurrent coordinators.
const LockFileName = "coordinator.lock"

// ErrAlreadyRunning is returned when another coordinator holds the root.
var ErrAlreadyRunning = errors.New("another coordinator is already running")

// broadcastRetention bounds how long delivered broadcasts are kept.
const broadcastRetention = time.Hour

// Options select how workers are started.
type Options struct {
	// Spawner overrides the default `loom worker` process spawner.
	Spawner orchestrator.Spawner
	// Executable and ConfigPath configure the default spawner. Executable
	// defaults to the running binary.
	Executable string
	ConfigPath string
	// DisableSynthesis skips conflict resolution of results.
	DisableSynthesis bool
}

// Coordinator owns the coordination root for one run at a time.
type Coordinator struct {
	cfg      *config.Config
	logger   *slog.Logger
	lockPath string
	lock     *flock.Flock
	notifier notifications.Service

	mu   sync.Mutex
	orch *orchestrator.Orchestrator
}

// New constructs a coordinator for cfg's root.
func New(cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("coordinator requires config")
	}
	lockPath := filepath.Join(cfg.Paths.Root, LockFileName)
	return &Coordinator{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "coordinator"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		notifier: notifications.NewService(cfg),
	}, nil
}

// LockPath returns the coordinator lock file.
func (c *Coordinator) LockPath() string { return c.lockPath }

// Status returns the active run's snapshot, if any.
func (c *Coordinator) Status() (orchestrator.Snapshot, bool) {
	c.mu.Lock()
	orch := c.orch
	c.mu.Unlock()
	if orch == nil {
		return orchestrator.Snapshot{}, false
	}
	return orch.Status(), true
}

// Run executes p to completion. The returned report is non-nil whenever the
// orchestration started, including failed runs.
func (c *Coordinator) Run(ctx context.Context, p *plan.Plan, opts Options) (*orchestrator.Report, error) {
	if p == nil {
		return nil, errors.New("plan is required")
	}
	if err := c.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire coordinator lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		if err := c.lock.Unlock(); err != nil {
			c.logger.Warn("failed to release coordinator lock", logging.Error(err))
		}
	}()

	locks, err := lock.NewFromConfig(c.cfg, bus.Orchestrator, c.logger)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewFromConfig(c.cfg, locks, c.logger)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewFromConfig(c.cfg, bus.Orchestrator, c.logger)
	if err != nil {
		return nil, err
	}
	resolver, err := conflict.NewFromConfig(c.cfg, locks, c.logger)
	if err != nil {
		return nil, err
	}
	store, err := ledger.OpenFromConfig(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	spawner := opts.Spawner
	if spawner == nil {
		exe := opts.Executable
		if exe == "" {
			if exe, err = os.Executable(); err != nil {
				return nil, fmt.Errorf("resolve executable: %w", err)
			}
		}
		spawner = orchestrator.NewProcessSpawner(c.cfg, exe, opts.ConfigPath, b, c.logger)
	}

	orchOpts := orchestrator.OptionsFromConfig(c.cfg)
	orchOpts.RunName = p.Name
	orchOpts.DisableSynthesis = opts.DisableSynthesis
	orch, err := orchestrator.New(orchestrator.Deps{
		Root:        c.cfg.Paths.Root,
		Locks:       locks,
		Registry:    reg,
		Bus:         b,
		Global:      resource.NewGlobalFromConfig(c.cfg, c.logger),
		Spawner:     spawner,
		Synthesizer: orchestrator.ConflictSynthesizer{Resolver: resolver},
		Ledger:      store,
		Logger:      c.logger,
	}, orchOpts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.orch = nil
		c.mu.Unlock()
	}()

	c.logger.Info("coordinator started",
		logging.String("lock", c.lockPath),
		logging.String("plan", p.Name),
		logging.Int("packages", len(p.Packages)),
	)
	c.notify(ctx, notifications.EventRunStarted, notifications.Payload{"name": p.Name, "packages": len(p.Packages)})

	var report *orchestrator.Report
	group, gctx := errgroup.WithContext(ctx)
	runCtx, stopBackground := context.WithCancel(gctx)
	group.Go(func() error {
		return reg.Run(runCtx)
	})
	group.Go(func() error {
		c.housekeep(runCtx, locks, b)
		return nil
	})
	group.Go(func() error {
		defer stopBackground()
		if err := orch.Initialize(gctx); err != nil {
			return err
		}
		var runErr error
		report, runErr = orch.Execute(gctx, p.Packages)
		return runErr
	})
	err = group.Wait()
	c.notifyFinished(ctx, p, report, err)
	return report, err
}

func (c *Coordinator) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := c.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(c.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "run outcome not announced"),
		)
	}
}

func (c *Coordinator) notifyFinished(ctx context.Context, p *plan.Plan, report *orchestrator.Report, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if runErr != nil || report == nil || report.State != orchestrator.StateCompleted {
		reason := "run did not complete"
		switch {
		case runErr != nil:
			reason = runErr.Error()
		case report != nil && report.Error != "":
			reason = report.Error
		}
		c.notify(ctx, notifications.EventRunFailed, notifications.Payload{"name": p.Name, "error": reason})
		return
	}
	c.notify(ctx, notifications.EventRunCompleted, notifications.Payload{
		"name":      p.Name,
		"run_id":    report.OrchestratorID,
		"completed": report.Statistics.Completed,
		"failed":    report.Statistics.Failed,
		"duration":  time.Duration(report.DurationSeconds * float64(time.Second)),
	})
}

// housekeep reclaims stale locks and prunes old broadcasts until ctx ends.
func (c *Coordinator) housekeep(ctx context.Context, locks *lock.Manager, b *bus.Bus) {
	ticker := time.NewTicker(c.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed, err := locks.CleanupStale(); err != nil {
				c.logger.Warn("stale lock sweep failed", logging.Error(err))
			} else if len(reclaimed) > 0 {
				c.logger.Info("reclaimed stale locks", logging.Strings("resources", reclaimed))
			}
			if pruned, err := b.PruneBroadcast(broadcastRetention); err != nil {
				c.logger.Warn("broadcast prune failed", logging.Error(err))
			} else if pruned > 0 {
				c.logger.Debug("pruned broadcasts", logging.Int("count", pruned))
			}
		}
	}
}
