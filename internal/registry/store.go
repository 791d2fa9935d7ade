package registry

import (
	"context"
	"errors"

	"loom/internal/fileutil"
	"loom/internal/logging"
)

// errSkipWrite lets a mutation finish without rewriting the registry.
var errSkipWrite = errors.New("registry unchanged")

// mutate runs fn over the active map under the registry lock, then persists the
// map and appends any returned events to the history.
func (r *Registry) mutate(ctx context.Context, op string, fn func(map[string]Record) ([]Event, error)) error {
	return r.locks.WithLock(ctx, LockResource, r.lockTimeout, func() error {
		active, err := r.load()
		if err != nil {
			return err
		}
		events, err := fn(active)
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fileutil.WriteJSON(r.activePath, active); err != nil {
			return err
		}
		if len(events) > 0 {
			if err := r.appendHistory(events); err != nil {
				r.logger.Warn("history append failed",
					logging.String("op", op),
					logging.Error(err),
				)
			}
		}
		return nil
	})
}

func (r *Registry) load() (map[string]Record, error) {
	active := map[string]Record{}
	if _, err := fileutil.ReadJSON(r.activePath, &active); err != nil {
		logging.WarnWithContext(r.logger, "registry file unreadable; starting empty", "registry_corrupt",
			logging.Error(err),
			logging.String(logging.FieldImpact, "registered workers must re-register on their next heartbeat"),
		)
		return map[string]Record{}, nil
	}
	if active == nil {
		active = map[string]Record{}
	}
	return active, nil
}

func (r *Registry) appendHistory(events []Event) error {
	var history []Event
	if _, err := fileutil.ReadJSON(r.historyPath, &history); err != nil {
		history = nil
	}
	history = append(history, events...)
	if over := len(history) - r.historyLimit; over > 0 {
		history = history[over:]
	}
	return fileutil.WriteJSON(r.historyPath, history)
}
