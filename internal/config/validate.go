package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLock(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateResource(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.Root == "" {
		return errors.New("paths.root must be set")
	}
	return nil
}

func (c *Config) validateLock() error {
	if c.Lock.StaleAfter <= 0 {
		return errors.New("lock.stale_after_seconds must be positive")
	}
	if c.Lock.PollIntervalMS <= 0 {
		return errors.New("lock.poll_interval_ms must be positive")
	}
	if c.Lock.DefaultTimeout < 0 {
		return errors.New("lock.default_timeout_seconds must be >= 0")
	}
	for name, v := range c.Lock.StaleOverrides {
		if v <= 0 {
			return fmt.Errorf("lock.stale_overrides.%s must be positive", name)
		}
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if c.Registry.HeartbeatInterval <= 0 {
		return errors.New("registry.heartbeat_interval_seconds must be positive")
	}
	if c.Registry.LivenessTimeout <= c.Registry.HeartbeatInterval {
		return errors.New("registry.liveness_timeout_seconds must exceed registry.heartbeat_interval_seconds")
	}
	if c.Registry.SweepInterval <= 0 {
		return errors.New("registry.sweep_interval_seconds must be positive")
	}
	if c.Registry.HistoryLimit <= 0 {
		return errors.New("registry.history_limit must be positive")
	}
	return nil
}

func (c *Config) validateBus() error {
	if c.Bus.PollIntervalMS <= 0 {
		return errors.New("bus.poll_interval_ms must be positive")
	}
	return nil
}

func (c *Config) validateResource() error {
	r := c.Resource
	if r.SampleInterval <= 0 {
		return errors.New("resource.sample_interval_seconds must be positive")
	}
	if r.HistorySize <= 0 {
		return errors.New("resource.history_size must be positive")
	}
	if r.Throttle < 0 {
		return errors.New("resource.throttle_seconds must be >= 0")
	}
	if r.TrendWindow < 2 {
		return errors.New("resource.trend_window must be at least 2")
	}
	if r.MemoryMB <= 0 || r.GlobalMemoryMB <= 0 {
		return errors.New("resource memory limits must be positive")
	}
	if r.MemoryPercent <= 0 || r.MemoryPercent > 100 {
		return errors.New("resource.memory_percent must be between 0 and 100")
	}
	if r.CPUPercent <= 0 || r.GlobalCPUPercent <= 0 {
		return errors.New("resource cpu limits must be positive")
	}
	if r.OpenFiles <= 0 || r.NumThreads <= 0 {
		return errors.New("resource.open_files and resource.num_threads must be positive")
	}
	if r.MaxWorkers <= 0 {
		return errors.New("resource.max_workers must be positive")
	}
	if r.SnapshotMaxAge <= 0 {
		return errors.New("resource.snapshot_max_age_seconds must be positive")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	o := c.Orchestrator
	if o.TickMS <= 0 {
		return errors.New("orchestrator.tick_ms must be positive")
	}
	if o.MaxWorkers <= 0 {
		return errors.New("orchestrator.max_workers must be positive")
	}
	if o.SynthesisThreshold <= 0 {
		return errors.New("orchestrator.synthesis_threshold must be positive")
	}
	if o.SynthesisMinWorkers <= 0 {
		return errors.New("orchestrator.synthesis_min_workers must be positive")
	}
	if o.DependencyTimeout <= 0 {
		return errors.New("orchestrator.dependency_timeout_seconds must be positive")
	}
	if o.MaxAttempts <= 0 {
		return errors.New("orchestrator.max_attempts must be positive")
	}
	if o.ConflictLogLimit <= 0 {
		return errors.New("orchestrator.conflict_log_limit must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.ThrottleBackoff <= 0 {
		return errors.New("worker.throttle_backoff_seconds must be positive")
	}
	if c.Worker.ResourceTimeout <= 0 {
		return errors.New("worker.resource_timeout_seconds must be positive")
	}
	if c.Worker.ShutdownGrace < 0 {
		return errors.New("worker.shutdown_grace_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	u, err := url.Parse(topic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic: %q is not an http(s) URL", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
