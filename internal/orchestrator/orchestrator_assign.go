package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/registry"
	"loom/internal/workpkg"
)

// Worker types the orchestrator spawns.
const (
	TypeAnalyst   = "analyst"
	TypeDeveloper = "developer"
	TypeReviewer  = "reviewer"
	TypeSynthesis = "synthesis"
)

var typeKeywords = []struct {
	workerType string
	keywords   []string
}{
	{TypeAnalyst, []string{"analysis", "research", "decompose"}},
	{TypeDeveloper, []string{"implement", "refactor", "fix"}},
	{TypeReviewer, []string{"review", "test", "security"}},
	{TypeSynthesis, []string{"synthesis", "merge", "integrate"}},
}

// WorkerTypeFor maps a package to the worker type best suited to it.
func WorkerTypeFor(spec workpkg.PackageSpec) string {
	typ := strings.ToLower(strings.TrimSpace(spec.Type))
	for _, entry := range typeKeywords {
		for _, kw := range entry.keywords {
			if typ == kw {
				return entry.workerType
			}
		}
	}
	if spec.Complexity >= workpkg.Complex {
		return TypeAnalyst
	}
	return TypeDeveloper
}

// compatible reports whether a workerType worker may take spec. Synthesis
// workers only take synthesis packages.
func compatible(workerType string, spec workpkg.PackageSpec) bool {
	if workerType == TypeSynthesis {
		return WorkerTypeFor(spec) == TypeSynthesis
	}
	return true
}

// idleLocked picks an idle registered worker for spec, preferring the matching
// type.
func (o *Orchestrator) idleLocked(spec workpkg.PackageSpec, claimed map[string]bool) (*poolWorker, bool) {
	want := WorkerTypeFor(spec)
	ids := make([]string, 0, len(o.pool))
	for id := range o.pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fallback *poolWorker
	for _, id := range ids {
		w := o.pool[id]
		if claimed[id] || !w.Registered || w.Activity != registry.ActivityIdle || !compatible(w.Type, spec) {
			continue
		}
		if w.Reserved != "" && w.Reserved != spec.ID && o.pendingLocked(w.Reserved) {
			continue
		}
		if w.Reserved == spec.ID || w.Type == want {
			return w, true
		}
		if fallback == nil {
			fallback = w
		}
	}
	return fallback, fallback != nil
}

func (o *Orchestrator) pendingLocked(packageID string) bool {
	pkg, ok := o.packages[packageID]
	return ok && pkg.Status == workpkg.StatusPending
}

func (o *Orchestrator) reservedLocked(packageID string) bool {
	for _, w := range o.pool {
		if w.Reserved == packageID {
			return true
		}
	}
	return false
}

type assignment struct {
	workerID string
	spec     workpkg.PackageSpec
}

// assign hands ready packages to idle workers and spawns workers for the rest
// while the pool and global admission allow.
func (o *Orchestrator) assign(ctx context.Context) error {
	var (
		assigned []assignment
		spawns   []SpawnRequest
		gate     string
	)

	o.mu.Lock()
	claimed := map[string]bool{}
	for _, pkg := range o.readyLocked() {
		if w, ok := o.idleLocked(pkg.PackageSpec, claimed); ok {
			claimed[w.ID] = true
			o.startPackageLocked(pkg, w)
			assigned = append(assigned, assignment{workerID: w.ID, spec: pkg.PackageSpec})
			continue
		}
		if o.reservedLocked(pkg.ID) || gate != "" {
			continue
		}
		if len(o.pool) >= o.opts.MaxWorkers {
			gate = fmt.Sprintf("pool at %d workers", o.opts.MaxWorkers)
			continue
		}
		if reason := o.admitLocked(); reason != "" {
			gate = reason
			continue
		}
		workerType := WorkerTypeFor(pkg.PackageSpec)
		req := SpawnRequest{ID: registry.NewWorkerID(workerType), Type: workerType, WorkPackage: pkg.ID}
		o.pool[req.ID] = &poolWorker{
			ID:        req.ID,
			Type:      workerType,
			Activity:  registry.ActivityIdle,
			Reserved:  pkg.ID,
			SpawnedAt: o.now(),
		}
		spawns = append(spawns, req)
	}
	if gate != o.lastGate {
		if gate != "" {
			o.logger.Info("worker spawn deferred", logging.String("reason", gate))
		}
		o.lastGate = gate
	}
	o.mu.Unlock()

	for _, req := range spawns {
		o.logger.Info("spawning worker",
			logging.String(logging.FieldWorkerID, req.ID),
			logging.String(logging.FieldWorkerType, req.Type),
			logging.String(logging.FieldPackageID, req.WorkPackage),
		)
		if err := o.deps.Spawner.Spawn(ctx, req); err != nil {
			o.mu.Lock()
			delete(o.pool, req.ID)
			o.mu.Unlock()
			return fmt.Errorf("spawn %s worker: %w", req.Type, err)
		}
	}
	for _, a := range assigned {
		o.dispatch(ctx, a)
	}
	return nil
}

// admitLocked returns a non-empty reason when global admission refuses a
// new worker.
func (o *Orchestrator) admitLocked() string {
	if o.deps.Global == nil {
		return ""
	}
	ok, reason, err := o.deps.Global.CanStartWorker()
	if err != nil {
		return "usage unavailable: " + err.Error()
	}
	if !ok {
		return reason
	}
	return ""
}

func (o *Orchestrator) startPackageLocked(pkg *workpkg.WorkPackage, w *poolWorker) {
	now := o.now()
	pkg.Status = workpkg.StatusInProgress
	pkg.AssignedWorker = w.ID
	pkg.StartedAt = &now
	pkg.CompletedAt = nil
	pkg.Attempts++
	w.Activity = registry.ActivityWorking
	w.CurrentTask = pkg.ID
	w.Reserved = ""
	o.dirty[pkg.ID] = struct{}{}
}

func (o *Orchestrator) dispatch(ctx context.Context, a assignment) {
	pending, _ := o.takeRegistrySync(a.workerID)
	_, err := o.deps.Registry.Update(ctx, a.workerID, func(rec *registry.Record) error {
		rec.Activity = registry.ActivityWorking
		rec.CurrentTask = a.spec.ID
		rec.WorkPackage = a.spec.ID
		rec.TasksCompleted += pending.completed
		rec.TasksFailed += pending.failed
		return nil
	})
	if err != nil {
		o.restoreRegistrySync(a.workerID, pending)
		logging.WarnWithContext(o.logger, "task assignment failed", "assignment_failed",
			logging.String(logging.FieldPackageID, a.spec.ID),
			logging.String(logging.FieldWorkerID, a.workerID),
			logging.String("reason", "registry update failed"),
			logging.Error(err),
			logging.String(logging.FieldImpact, "package returns to pending"),
		)
		o.revertAssignment(a)
		return
	}
	if err := o.deps.Bus.Publish(bus.TaskAssignment(bus.Orchestrator, a.workerID, a.spec.Payload())); err != nil {
		logging.WarnWithContext(o.logger, "task assignment failed", "assignment_failed",
			logging.String(logging.FieldPackageID, a.spec.ID),
			logging.String(logging.FieldWorkerID, a.workerID),
			logging.String("reason", "publish failed"),
			logging.Error(err),
			logging.String(logging.FieldImpact, "package returns to pending"),
		)
		o.revertAssignment(a)
		o.deferRegistrySync(a.workerID, registrySync{activity: registry.ActivityIdle})
		return
	}
	o.logger.Info("package assigned",
		logging.String(logging.FieldPackageID, a.spec.ID),
		logging.String(logging.FieldWorkerID, a.workerID),
	)
}

// revertAssignment undoes startPackageLocked for a task no worker received.
// The attempt is not counted.
func (o *Orchestrator) revertAssignment(a assignment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if pkg, ok := o.packages[a.spec.ID]; ok && pkg.Status == workpkg.StatusInProgress && pkg.AssignedWorker == a.workerID {
		pkg.Status = workpkg.StatusPending
		pkg.AssignedWorker = ""
		pkg.StartedAt = nil
		if pkg.Attempts > 0 {
			pkg.Attempts--
		}
		o.dirty[pkg.ID] = struct{}{}
	}
	if w, ok := o.pool[a.workerID]; ok && w.CurrentTask == a.spec.ID {
		w.Activity = registry.ActivityIdle
		w.CurrentTask = ""
	}
}
