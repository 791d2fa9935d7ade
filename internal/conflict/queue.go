package conflict

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"loom/internal/coorderr"
	"loom/internal/fileutil"
	"loom/internal/logging"
)

// QueuedOperation is work a worker must defer until After has finished with
// the resource.
type QueuedOperation struct {
	Type       string    `json:"type"`
	Resource   string    `json:"resource"`
	Command    string    `json:"command,omitempty"`
	ConflictID string    `json:"conflict_id"`
	After      string    `json:"after,omitempty"`
	Position   int       `json:"position,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
}

func (r *Resolver) queuePath(worker string) string {
	return filepath.Join(r.dir, queuePrefix+worker+".json")
}

func validWorker(worker string) error {
	if worker == "" || worker != filepath.Base(worker) || worker[0] == '.' {
		return coorderr.Wrap(coorderr.ErrValidation, "conflict", "queue", fmt.Sprintf("invalid worker id %q", worker), nil)
	}
	return nil
}

func (s *session) flushQueues(ctx context.Context) error {
	workers := sortedKeys(s.queued)
	var errs []error
	for _, worker := range workers {
		if err := s.resolver.enqueue(ctx, worker, s.queued[worker]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) enqueue(ctx context.Context, worker string, ops []QueuedOperation) error {
	if err := validWorker(worker); err != nil {
		return err
	}
	path := r.queuePath(worker)
	now := r.now().UTC()
	err := r.locks.WithFileLock(ctx, path, r.lockTimeout, func() error {
		var queue []QueuedOperation
		if _, err := fileutil.ReadJSON(path, &queue); err != nil {
			r.logger.Warn("operation queue unreadable; replacing",
				logging.String(logging.FieldWorkerID, worker),
				logging.Error(err),
			)
			queue = nil
		}
		for _, op := range ops {
			if op.QueuedAt.IsZero() {
				op.QueuedAt = now
			}
			queue = append(queue, op)
		}
		return fileutil.WriteJSON(path, queue)
	})
	if err != nil {
		return fmt.Errorf("queue operations for %s: %w", worker, err)
	}
	r.logger.Info("operations queued",
		logging.String(logging.FieldWorkerID, worker),
		logging.Int("count", len(ops)),
	)
	return nil
}

// QueuedOperations returns the operations deferred for worker, oldest first.
func (r *Resolver) QueuedOperations(worker string) ([]QueuedOperation, error) {
	if err := validWorker(worker); err != nil {
		return nil, err
	}
	var queue []QueuedOperation
	if _, err := fileutil.ReadJSON(r.queuePath(worker), &queue); err != nil {
		return nil, err
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].QueuedAt.Before(queue[j].QueuedAt) })
	return queue, nil
}

// ClearQueued drops every deferred operation for worker.
func (r *Resolver) ClearQueued(ctx context.Context, worker string) error {
	if err := validWorker(worker); err != nil {
		return err
	}
	path := r.queuePath(worker)
	return r.locks.WithFileLock(ctx, path, r.lockTimeout, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("clear queue for %s: %w", worker, err)
		}
		return nil
	})
}
