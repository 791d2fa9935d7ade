package worker

import (
	"context"
	"fmt"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/workpkg"
)

func (r *Runtime) installHandlers() {
	handlers := map[string]bus.Handler{
		bus.TypeTaskAssignment: r.handleAssignment,
		bus.TypeStatusRequest:  r.handleStatusRequest,
		bus.TypeTaskComplete:   r.handleTaskComplete,
		bus.TypeShutdown:       r.handleShutdown,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for msgType, handler := range handlers {
		r.subscriptions[msgType] = r.deps.Bus.Subscribe(msgType, handler)
	}
}

func (r *Runtime) removeHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for msgType, sub := range r.subscriptions {
		r.deps.Bus.Unsubscribe(msgType, sub)
		delete(r.subscriptions, msgType)
	}
}

// Subscribe registers an extra handler on the worker's bus.
func (r *Runtime) Subscribe(msgType string, handler bus.Handler) bus.Subscription {
	return r.deps.Bus.Subscribe(msgType, handler)
}

// Publish sends msg from this worker.
func (r *Runtime) Publish(msg bus.Message) error {
	if msg.From == "" {
		msg.From = r.opts.ID
	}
	return r.deps.Bus.Publish(msg)
}

func (r *Runtime) handleAssignment(_ context.Context, msg bus.Message) error {
	var spec workpkg.PackageSpec
	if err := msg.Decode(&spec); err != nil {
		return err
	}
	if spec.ID == "" {
		return fmt.Errorf("task assignment %s has no package id", msg.ID)
	}
	if r.Enqueue(Task{PackageSpec: spec}) {
		r.logger.Info("task queued",
			logging.String(logging.FieldPackageID, spec.ID),
			logging.String("from", msg.From),
		)
	}
	return nil
}

func (r *Runtime) handleStatusRequest(_ context.Context, msg bus.Message) error {
	if msg.From == "" || msg.From == r.opts.ID {
		return nil
	}
	return r.deps.Bus.Publish(bus.StatusResponse(r.opts.ID, msg.From, r.Status()))
}

// handleTaskComplete records completions announced by other workers so
// WaitForDependencies can observe them.
func (r *Runtime) handleTaskComplete(_ context.Context, msg bus.Message) error {
	if taskID := msg.PayloadString("task_id"); taskID != "" {
		r.markCompleted(taskID)
	}
	return nil
}

func (r *Runtime) handleShutdown(_ context.Context, msg bus.Message) error {
	r.logger.Info("shutdown requested",
		logging.String("from", msg.From),
		logging.String("reason", msg.PayloadString("reason")),
	)
	r.signalShutdown()
	return nil
}
