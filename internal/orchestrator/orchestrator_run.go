package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"loom/internal/coorderr"
	"loom/internal/logging"
	"loom/internal/registry"
	"loom/internal/workpkg"
)

// Execute runs specs to completion and returns the final report. Specs
// without an id receive one. The dependency graph must reference only
// submitted ids and contain no cycles.
func (o *Orchestrator) Execute(ctx context.Context, specs []workpkg.PackageSpec) (*Report, error) {
	specs = workpkg.AssignIDs(specs)
	if err := workpkg.ValidateGraph(specs); err != nil {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "orchestrator", "execute", "reject package graph", err)
	}
	for _, spec := range specs {
		if !spec.Complexity.Valid() {
			return nil, coorderr.Wrap(coorderr.ErrValidation, "orchestrator", "execute",
				fmt.Sprintf("package %s has invalid complexity %d", spec.ID, int(spec.Complexity)), nil)
		}
	}

	o.mu.Lock()
	if err := o.transitionLocked(StateRunning); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	now := o.now()
	o.startedAt = now
	for _, spec := range specs {
		o.packages[spec.ID] = workpkg.New(spec, now)
		o.order = append(o.order, spec.ID)
		o.dirty[spec.ID] = struct{}{}
	}
	o.mu.Unlock()

	o.logger.Info("orchestration started", logging.Int("packages", len(specs)))
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.BeginRun(ctx, o.opts.ID, string(StateRunning), now); err != nil {
			o.logger.Warn("ledger begin failed", logging.Error(err))
		}
	}

	runErr := o.loop(ctx)
	if runErr == nil {
		runErr = o.finish(ctx)
	}
	if runErr != nil {
		o.fail(runErr)
	}
	report := o.finalize(ctx)
	return report, runErr
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

func (o *Orchestrator) loop(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()
	for {
		if err := o.tick(ctx); err != nil {
			return err
		}
		if !o.hasOpenWork() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("orchestration interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// tick performs one scheduling pass.
func (o *Orchestrator) tick(ctx context.Context) error {
	active, err := o.deps.Registry.ListActive()
	if err != nil {
		return fmt.Errorf("list active workers: %w", err)
	}
	o.reconcileWorkers(active)
	o.syncRegistry(ctx)
	o.failBlocked()
	if err := o.assign(ctx); err != nil {
		return err
	}
	o.flushLedger(ctx)
	if !o.opts.DisableSynthesis {
		if batch := o.synthesisBatch(false); len(batch) > 0 {
			if err := o.synthesize(ctx, batch, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) hasOpenWork() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, pkg := range o.packages {
		if !pkg.Status.Terminal() {
			return true
		}
	}
	return false
}

// reconcileWorkers marks spawned workers as registered once they appear,
// retires workers that vanished, and returns their packages to pending.
func (o *Orchestrator) reconcileWorkers(active []registry.Record) {
	live := make(map[string]registry.Record, len(active))
	for _, rec := range active {
		live[rec.ID] = rec
	}
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, w := range o.pool {
		if _, ok := live[id]; ok {
			w.Registered = true
			continue
		}
		if !w.Registered && now.Sub(w.SpawnedAt) < o.opts.LivenessTimeout {
			continue
		}
		reason := "worker no longer active"
		if !w.Registered {
			reason = "worker never registered"
		}
		logging.WarnWithContext(o.logger, "worker lost", "worker_lost",
			logging.String(logging.FieldWorkerID, id),
			logging.String("reason", reason),
			logging.String(logging.FieldImpact, "its package returns to pending or fails after max attempts"),
		)
		delete(o.pool, id)
		o.retired[id] = w
		o.reclaimLocked(id, reason)
	}
}

func (o *Orchestrator) reclaimLocked(workerID, reason string) {
	for _, id := range o.order {
		pkg := o.packages[id]
		if pkg.Status != workpkg.StatusInProgress || pkg.AssignedWorker != workerID {
			continue
		}
		o.dirty[id] = struct{}{}
		if pkg.Attempts >= o.opts.MaxAttempts {
			o.failPackageLocked(pkg, fmt.Sprintf("%s after %d attempts: %s", reason, pkg.Attempts, workerID))
			continue
		}
		pkg.Status = workpkg.StatusPending
		pkg.AssignedWorker = ""
		pkg.StartedAt = nil
		o.logger.Info("package reclaimed",
			logging.String(logging.FieldPackageID, id),
			logging.String(logging.FieldWorkerID, workerID),
			logging.Int("attempts", pkg.Attempts),
		)
	}
}

func (o *Orchestrator) failPackageLocked(pkg *workpkg.WorkPackage, reason string) {
	now := o.now()
	pkg.Status = workpkg.StatusError
	pkg.Error = reason
	if pkg.Result == nil {
		pkg.Result = map[string]any{}
	}
	pkg.Result["error"] = reason
	pkg.CompletedAt = &now
	o.dirty[pkg.ID] = struct{}{}
	logging.WarnWithContext(o.logger, "package failed", "package_failed",
		logging.String(logging.FieldPackageID, pkg.ID),
		logging.String("reason", reason),
		logging.String(logging.FieldImpact, "package reported as failed; dependents will fail"),
	)
}

// failBlocked fails pending packages whose dependencies failed or stalled.
func (o *Orchestrator) failBlocked() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	// Repeat so a failure cascades down a chain within one tick.
	for changed := true; changed; {
		changed = false
		for _, id := range o.order {
			pkg := o.packages[id]
			if pkg.Status != workpkg.StatusPending {
				continue
			}
			if dep, failed := o.failedDependencyLocked(pkg); failed {
				o.failPackageLocked(pkg, fmt.Sprintf("dependency %s failed", dep))
				changed = true
				continue
			}
			if o.dependenciesMetLocked(pkg) {
				continue
			}
			if waited := now.Sub(o.waitingSinceLocked(pkg)); waited > o.opts.DependencyTimeout {
				err := coorderr.Wrap(ErrDependencyTimeout, "orchestrator", "dependencies",
					fmt.Sprintf("package %s waited %s", pkg.ID, waited.Round(time.Second)), nil)
				o.failPackageLocked(pkg, err.Error())
				changed = true
			}
		}
	}
}

func (o *Orchestrator) failedDependencyLocked(pkg *workpkg.WorkPackage) (string, bool) {
	for _, dep := range pkg.Dependencies {
		if d, ok := o.packages[dep]; ok && d.Status == workpkg.StatusError {
			return dep, true
		}
	}
	return "", false
}

func (o *Orchestrator) dependenciesMetLocked(pkg *workpkg.WorkPackage) bool {
	for _, dep := range pkg.Dependencies {
		d, ok := o.packages[dep]
		if !ok || d.Status != workpkg.StatusCompleted {
			return false
		}
	}
	return true
}

// waitingSinceLocked is the last time pkg's dependencies made progress: its
// creation, or the latest start or completion of one of its dependencies.
func (o *Orchestrator) waitingSinceLocked(pkg *workpkg.WorkPackage) time.Time {
	since := pkg.CreatedAt
	for _, dep := range pkg.Dependencies {
		d, ok := o.packages[dep]
		if !ok {
			continue
		}
		if d.StartedAt != nil && d.StartedAt.After(since) {
			since = *d.StartedAt
		}
		if d.CompletedAt != nil && d.CompletedAt.After(since) {
			since = *d.CompletedAt
		}
	}
	return since
}

// readyLocked returns pending packages whose dependencies completed, most
// complex first.
func (o *Orchestrator) readyLocked() []*workpkg.WorkPackage {
	var ready []*workpkg.WorkPackage
	for _, id := range o.order {
		pkg := o.packages[id]
		if pkg.Status == workpkg.StatusPending && o.dependenciesMetLocked(pkg) {
			ready = append(ready, pkg)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Complexity != ready[j].Complexity {
			return ready[i].Complexity > ready[j].Complexity
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// finish runs the final synthesis and stops the pool.
func (o *Orchestrator) finish(ctx context.Context) error {
	if !o.opts.DisableSynthesis {
		if batch := o.synthesisBatch(true); len(batch) > 0 {
			if err := o.synthesize(ctx, batch, true); err != nil {
				return err
			}
		}
	}
	if err := o.transition(StateCompleting); err != nil {
		return err
	}
	o.stopPool(ctx)
	return nil
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runErr = err
	if o.state.Terminal() {
		return
	}
	if tErr := o.transitionLocked(StateError); tErr != nil {
		o.logger.Warn("error transition refused", logging.Error(tErr))
	}
	logging.ErrorWithContext(o.logger, "orchestration failed", "orchestration_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "inspect the report and worker logs"),
	)
}

func (o *Orchestrator) stopPool(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.pool))
	for id := range o.pool {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
	defer cancel()
	for _, id := range ids {
		if err := o.deps.Spawner.Stop(stopCtx, id); err != nil && !errors.Is(err, ErrUnknownWorker) {
			o.logger.Warn("worker stop failed", logging.String(logging.FieldWorkerID, id), logging.Error(err))
		}
		o.mu.Lock()
		if w, ok := o.pool[id]; ok {
			delete(o.pool, id)
			o.retired[id] = w
		}
		o.mu.Unlock()
	}
}
