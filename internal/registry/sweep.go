package registry

import (
	"context"
	"errors"
	"time"

	"loom/internal/logging"
)

// Run sweeps stale workers every sweep interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := r.CleanupStale(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					r.logger.Debug("registry sweep cancelled")
					return nil
				}
				r.logger.Warn("registry sweep failed", logging.Error(err))
				continue
			}
			if len(removed) > 0 {
				r.logger.Info("swept stale workers", logging.Int("count", len(removed)))
			}
		}
	}
}

// HeartbeatLoop refreshes id every interval until ctx is cancelled. When the
// registry no longer knows id, onLost is called so the owner can re-register.
func (r *Registry) HeartbeatLoop(ctx context.Context, id string, interval time.Duration, onLost func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := r.logger.With(logging.String(logging.FieldWorkerID, id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.Heartbeat(ctx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Debug("heartbeat cancelled")
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
				continue
			}
			if !ok && onLost != nil {
				logger.Info("worker missing from registry; re-registering")
				if err := onLost(ctx); err != nil {
					logger.Warn("re-registration failed", logging.Error(err))
				}
			}
		}
	}
}
