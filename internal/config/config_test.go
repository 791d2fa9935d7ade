package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"loom/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("LOOM_ROOT", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantRoot := filepath.Join(tempHome, ".local", "share", "loom", "coord")
	if cfg.Paths.Root != wantRoot {
		t.Fatalf("unexpected root: got %q want %q", cfg.Paths.Root, wantRoot)
	}
	if cfg.Paths.LogDir != filepath.Join(wantRoot, "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if cfg.LockStaleAfter() != 30*time.Second {
		t.Fatalf("unexpected lock staleness: %s", cfg.LockStaleAfter())
	}
	if cfg.LockPollInterval() != 100*time.Millisecond {
		t.Fatalf("unexpected lock poll interval: %s", cfg.LockPollInterval())
	}
	if cfg.LivenessTimeout() != 60*time.Second {
		t.Fatalf("unexpected liveness timeout: %s", cfg.LivenessTimeout())
	}
	if cfg.Orchestrator.MaxWorkers != 5 {
		t.Fatalf("unexpected pool size: %d", cfg.Orchestrator.MaxWorkers)
	}
	if cfg.Resource.MaxWorkers != 10 {
		t.Fatalf("unexpected global worker ceiling: %d", cfg.Resource.MaxWorkers)
	}
	if got := cfg.LockStaleOverrides()["git"]; got != time.Minute {
		t.Fatalf("expected git override of 1m, got %s", got)
	}
}

func TestLoadHonoursRootEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := filepath.Join(t.TempDir(), "shared")
	t.Setenv("LOOM_ROOT", root)

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.Root != root {
		t.Fatalf("expected root from env, got %q", cfg.Paths.Root)
	}
}

func TestLoadCustomFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOOM_ROOT", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	payload := struct {
		Paths struct {
			Root string `toml:"root"`
		} `toml:"paths"`
		Orchestrator struct {
			MaxWorkers int `toml:"max_workers"`
		} `toml:"orchestrator"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}{}
	payload.Paths.Root = filepath.Join(dir, "coord")
	payload.Orchestrator.MaxWorkers = 3
	payload.Logging.Format = "JSON"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config to be read from %s, got %s (exists=%v)", path, resolved, exists)
	}
	if cfg.Orchestrator.MaxWorkers != 3 {
		t.Fatalf("expected max_workers 3, got %d", cfg.Orchestrator.MaxWorkers)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized format json, got %q", cfg.Logging.Format)
	}
	if cfg.Registry.HeartbeatInterval != 30 {
		t.Fatalf("expected default heartbeat interval to survive, got %d", cfg.Registry.HeartbeatInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"pool size", func(c *config.Config) { c.Orchestrator.MaxWorkers = 0 }, "orchestrator.max_workers"},
		{"liveness", func(c *config.Config) { c.Registry.LivenessTimeout = c.Registry.HeartbeatInterval }, "liveness_timeout"},
		{"trend window", func(c *config.Config) { c.Resource.TrendWindow = 1 }, "trend_window"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"stale override", func(c *config.Config) { c.Lock.StaleOverrides["git"] = 0 }, "stale_overrides.git"},
		{"ntfy topic", func(c *config.Config) { c.Notifications.NtfyTopic = "ntfy.sh/loom" }, "notifications.ntfy_topic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.Root = t.TempDir()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestSampleConfigParses(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOOM_ROOT", "")
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample failed: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.Lock.StaleOverrides["hook_*"] != 10 {
		t.Fatalf("expected hook override from sample, got %v", cfg.Lock.StaleOverrides)
	}
	if _, err := cfg.Encode(); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
}
