package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"loom/internal/bus"
	"loom/internal/coorderr"
	"loom/internal/lock"
	"loom/internal/logging"
)

// RequestResource takes the lock for name, waiting up to timeout (the
// configured resource timeout when <= 0). The orchestrator is told about
// every grant.
func (r *Runtime) RequestResource(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = r.opts.ResourceTimeout
	}
	ok, err := r.deps.Locks.Acquire(ctx, name, lock.AcquireOptions{Timeout: timeout})
	if err != nil || !ok {
		return ok, err
	}
	if err := r.deps.Bus.Publish(bus.ResourceRequest(r.opts.ID, name, true)); err != nil {
		r.logger.Warn("resource grant notice failed", logging.String(logging.FieldResource, name), logging.Error(err))
	}
	return true, nil
}

// ReleaseResource drops the lock for name.
func (r *Runtime) ReleaseResource(name string) error {
	if err := r.deps.Locks.Release(name); err != nil {
		return err
	}
	msg := bus.StatusUpdate(r.opts.ID, "resource_released", map[string]any{"resource": name})
	if err := r.deps.Bus.Publish(msg); err != nil {
		r.logger.Warn("resource release notice failed", logging.String(logging.FieldResource, name), logging.Error(err))
	}
	return nil
}

// WaitForDependencies blocks until every id in deps has completed, as seen by
// this worker's own tasks or task_complete notices. It fails with
// ErrDependencyTimeout after timeout (the configured default when <= 0).
func (r *Runtime) WaitForDependencies(ctx context.Context, deps []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.opts.DependencyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		missing, changed := r.missingDependencies(deps)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return coorderr.Wrap(ErrDependencyTimeout, "worker", "wait dependencies",
				fmt.Sprintf("still waiting on %s after %s", strings.Join(missing, ","), timeout), nil)
		case <-changed:
		}
	}
}

func (r *Runtime) missingDependencies(deps []string) ([]string, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for _, dep := range deps {
		if _, ok := r.completed[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing, r.completedCh
}
