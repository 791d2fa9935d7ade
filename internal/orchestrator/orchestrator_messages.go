package orchestrator

import (
	"context"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/registry"
	"loom/internal/workpkg"
)

func (o *Orchestrator) subscribe() {
	handlers := []struct {
		msgType string
		handler bus.Handler
	}{
		{bus.TypeTaskComplete, o.handleTaskComplete},
		{bus.TypeTaskFailed, o.handleTaskFailed},
		{bus.TypeStatusUpdate, o.handleStatusUpdate},
		{bus.TypeResourceRequest, o.handleResourceRequest},
		{bus.TypeDiscovery, o.handleDiscovery},
		{bus.TypeStatusResponse, o.handleStatusResponse},
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range handlers {
		o.subs = append(o.subs, subscription{msgType: h.msgType, id: o.deps.Bus.Subscribe(h.msgType, h.handler)})
	}
}

func (o *Orchestrator) unsubscribe() {
	o.mu.Lock()
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()
	for _, s := range subs {
		o.deps.Bus.Unsubscribe(s.msgType, s.id)
	}
}

// settle records a reported outcome for the package msg names. It returns
// the package id when the report was accepted.
func (o *Orchestrator) settle(msg bus.Message, failed bool) (string, bool) {
	taskID := msg.PayloadString("task_id")
	results, _ := msg.Payload["results"].(map[string]any)

	o.mu.Lock()
	defer o.mu.Unlock()
	pkg, ok := o.packages[taskID]
	if !ok || pkg.Status != workpkg.StatusInProgress || pkg.AssignedWorker != msg.From {
		o.logger.Debug("ignoring stale task report",
			logging.String(logging.FieldPackageID, taskID),
			logging.String(logging.FieldWorkerID, msg.From),
			logging.String(logging.FieldMessageType, msg.Type),
		)
		return "", false
	}
	now := o.now()
	pkg.Result = results
	if pkg.Result == nil {
		pkg.Result = map[string]any{}
	}
	pkg.CompletedAt = &now
	if failed {
		reason := msg.PayloadString("error")
		if reason == "" {
			reason = "worker reported failure"
		}
		pkg.Status = workpkg.StatusError
		pkg.Error = reason
		pkg.Result["error"] = reason
	} else {
		pkg.Status = workpkg.StatusCompleted
	}
	o.dirty[taskID] = struct{}{}

	if w, ok := o.pool[msg.From]; ok {
		w.Activity = registry.ActivityIdle
		w.CurrentTask = ""
		if failed {
			w.TasksFailed++
		} else {
			w.TasksCompleted++
		}
	}
	return taskID, true
}

func (o *Orchestrator) markWorkerIdle(ctx context.Context, workerID string, failed bool) {
	next := registrySync{activity: registry.ActivityIdle, completed: 1}
	if failed {
		next = registrySync{activity: registry.ActivityIdle, failed: 1}
	}
	o.writeRegistrySync(ctx, workerID, next)
}

func (o *Orchestrator) handleTaskComplete(ctx context.Context, msg bus.Message) error {
	taskID, ok := o.settle(msg, false)
	if !ok {
		return nil
	}
	o.logger.Info("package completed",
		logging.String(logging.FieldPackageID, taskID),
		logging.String(logging.FieldWorkerID, msg.From),
	)
	o.markWorkerIdle(ctx, msg.From, false)
	// Workers waiting on dependencies learn of completions from the broadcast.
	return o.deps.Bus.Publish(bus.NewMessage(bus.Orchestrator, bus.Broadcast, bus.TypeTaskComplete, map[string]any{
		"task_id": taskID,
		"worker":  msg.From,
	}))
}

func (o *Orchestrator) handleTaskFailed(ctx context.Context, msg bus.Message) error {
	taskID, ok := o.settle(msg, true)
	if !ok {
		return nil
	}
	logging.WarnWithContext(o.logger, "package failed", "package_failed",
		logging.String(logging.FieldPackageID, taskID),
		logging.String(logging.FieldWorkerID, msg.From),
		logging.String("reason", msg.PayloadString("error")),
		logging.String(logging.FieldImpact, "dependent packages will fail"),
	)
	o.markWorkerIdle(ctx, msg.From, true)
	return nil
}

func (o *Orchestrator) handleStatusUpdate(_ context.Context, msg bus.Message) error {
	o.logger.Debug("worker status",
		logging.String(logging.FieldWorkerID, msg.From),
		logging.String(logging.FieldState, msg.PayloadString("status")),
	)
	return nil
}

func (o *Orchestrator) handleResourceRequest(_ context.Context, msg bus.Message) error {
	o.logger.Debug("resource requested",
		logging.String(logging.FieldWorkerID, msg.From),
		logging.String(logging.FieldResource, msg.PayloadString("resource")),
	)
	return nil
}

func (o *Orchestrator) handleDiscovery(_ context.Context, msg bus.Message) error {
	o.logger.Info("worker discovered",
		logging.String(logging.FieldWorkerID, msg.From),
		logging.String(logging.FieldWorkerType, msg.PayloadString("worker_type")),
	)
	return nil
}

func (o *Orchestrator) handleStatusResponse(_ context.Context, msg bus.Message) error {
	o.logger.Debug("worker status response",
		logging.String(logging.FieldWorkerID, msg.From),
		logging.Any("status", msg.Payload),
	)
	return nil
}
