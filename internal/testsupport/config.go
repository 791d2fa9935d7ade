package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a unique temp directory per test, with
// timings shortened so pollers and sweeps settle quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.Root = filepath.Join(base, "coord")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Lock.PollIntervalMS = 10
	cfgVal.Lock.DefaultTimeout = 2
	cfgVal.Bus.PollIntervalMS = 20
	cfgVal.Orchestrator.TickMS = 20
	cfgVal.Resource.SampleInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMaxWorkers overrides the orchestrator pool size.
func WithMaxWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Orchestrator.MaxWorkers = n
		b.cfg.Resource.MaxWorkers = n
	}
}

// WithLivenessTimeout overrides the registry liveness window in seconds.
func WithLivenessTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Registry.LivenessTimeout = seconds
		if b.cfg.Registry.HeartbeatInterval >= seconds {
			b.cfg.Registry.HeartbeatInterval = max(1, seconds/2)
		}
	}
}

// WithConfig applies an arbitrary mutation.
func WithConfig(fn func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		fn(b.cfg)
	}
}

// BaseDir returns the temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.Root)
}
