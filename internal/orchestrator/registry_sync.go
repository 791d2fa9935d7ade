package orchestrator

import (
	"context"
	"errors"

	"loom/internal/coorderr"
	"loom/internal/logging"
	"loom/internal/registry"
)

// registrySync is a worker record write that has not reached the registry
// yet. Counters are deltas.
type registrySync struct {
	activity  registry.Activity
	task      string
	completed int
	failed    int
}

// writeRegistrySync applies next, keeping it for the next tick on failure.
func (o *Orchestrator) writeRegistrySync(ctx context.Context, workerID string, next registrySync) {
	pending, _ := o.takeRegistrySync(workerID)
	next.completed += pending.completed
	next.failed += pending.failed
	if err := o.applyRegistrySync(ctx, workerID, next); err != nil {
		o.registrySyncFailed(workerID, next, err)
	}
}

// syncRegistry retries worker record writes that failed earlier.
func (o *Orchestrator) syncRegistry(ctx context.Context) {
	o.mu.Lock()
	pending := o.unsynced
	o.unsynced = map[string]registrySync{}
	o.mu.Unlock()

	for workerID, s := range pending {
		if err := o.applyRegistrySync(ctx, workerID, s); err != nil {
			o.registrySyncFailed(workerID, s, err)
			continue
		}
		o.logger.Debug("registry record resynced", logging.String(logging.FieldWorkerID, workerID))
	}
}

func (o *Orchestrator) applyRegistrySync(ctx context.Context, workerID string, s registrySync) error {
	_, err := o.deps.Registry.Update(ctx, workerID, func(rec *registry.Record) error {
		rec.Activity = s.activity
		rec.CurrentTask = s.task
		rec.TasksCompleted += s.completed
		rec.TasksFailed += s.failed
		return nil
	})
	return err
}

func (o *Orchestrator) registrySyncFailed(workerID string, s registrySync, err error) {
	if errors.Is(err, coorderr.ErrNotFound) {
		// The worker deregistered or was swept; reconcile handles its package.
		return
	}
	logging.WarnWithContext(o.logger, "registry update failed", "registry_update_failed",
		logging.String(logging.FieldWorkerID, workerID),
		logging.Error(err),
		logging.String(logging.FieldImpact, "worker record is retried on the next tick"),
	)
	o.restoreRegistrySync(workerID, s)
}

// deferRegistrySync queues s, replacing the target state of any queued write
// and summing counters.
func (o *Orchestrator) deferRegistrySync(workerID string, s registrySync) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.unsynced[workerID]
	s.completed += cur.completed
	s.failed += cur.failed
	o.unsynced[workerID] = s
}

// restoreRegistrySync puts back a write that failed. A newer queued write
// keeps its target state.
func (o *Orchestrator) restoreRegistrySync(workerID string, s registrySync) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.unsynced[workerID]
	if !ok {
		if s != (registrySync{}) {
			o.unsynced[workerID] = s
		}
		return
	}
	cur.completed += s.completed
	cur.failed += s.failed
	o.unsynced[workerID] = cur
}

func (o *Orchestrator) takeRegistrySync(workerID string) (registrySync, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.unsynced[workerID]
	delete(o.unsynced, workerID)
	return s, ok
}
