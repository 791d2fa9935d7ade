package config

import "time"

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// LockStaleAfter is the default age past which a lock file is reclaimable.
func (c *Config) LockStaleAfter() time.Duration { return seconds(c.Lock.StaleAfter) }

// LockPollInterval is the retry interval for contended locks.
func (c *Config) LockPollInterval() time.Duration { return millis(c.Lock.PollIntervalMS) }

// LockTimeout is the default acquisition timeout.
func (c *Config) LockTimeout() time.Duration { return seconds(c.Lock.DefaultTimeout) }

// LockStaleOverrides converts the per-resource staleness map to durations.
func (c *Config) LockStaleOverrides() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Lock.StaleOverrides))
	for name, v := range c.Lock.StaleOverrides {
		out[name] = seconds(v)
	}
	return out
}

// HeartbeatInterval is how often workers refresh their registry entry.
func (c *Config) HeartbeatInterval() time.Duration { return seconds(c.Registry.HeartbeatInterval) }

// LivenessTimeout is the heartbeat age past which a worker is stale.
func (c *Config) LivenessTimeout() time.Duration { return seconds(c.Registry.LivenessTimeout) }

// SweepInterval is how often the registry removes stale workers.
func (c *Config) SweepInterval() time.Duration { return seconds(c.Registry.SweepInterval) }

// BusPollInterval is the polling fallback interval for message delivery.
func (c *Config) BusPollInterval() time.Duration { return millis(c.Bus.PollIntervalMS) }

// SampleInterval is the resource sampling period.
func (c *Config) SampleInterval() time.Duration { return seconds(c.Resource.SampleInterval) }

// ThrottleDuration is the throttle window applied on a limit violation.
func (c *Config) ThrottleDuration() time.Duration { return seconds(c.Resource.Throttle) }

// SnapshotMaxAge bounds how old a usage snapshot may be before the global view ignores it.
func (c *Config) SnapshotMaxAge() time.Duration { return seconds(c.Resource.SnapshotMaxAge) }

// Tick is the orchestrator scheduling period.
func (c *Config) Tick() time.Duration { return millis(c.Orchestrator.TickMS) }

// DependencyTimeout bounds how long a package may wait on unmet dependencies.
func (c *Config) DependencyTimeout() time.Duration {
	return seconds(c.Orchestrator.DependencyTimeout)
}

// ThrottleBackoff is how long a throttled worker waits before re-checking.
func (c *Config) ThrottleBackoff() time.Duration { return seconds(c.Worker.ThrottleBackoff) }

// ResourceTimeout bounds named resource acquisition by workers.
func (c *Config) ResourceTimeout() time.Duration { return seconds(c.Worker.ResourceTimeout) }

// ShutdownGrace is how long a spawned worker gets to exit before it is killed.
func (c *Config) ShutdownGrace() time.Duration { return seconds(c.Worker.ShutdownGrace) }

// NotifyTimeout bounds one notification request.
func (c *Config) NotifyTimeout() time.Duration { return seconds(c.Notifications.RequestTimeout) }
