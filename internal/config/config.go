package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains coordination root and log directory configuration.
type Paths struct {
	Root   string `toml:"root"`
	LogDir string `toml:"log_dir"`
}

// Lock contains lock manager timing.
type Lock struct {
	StaleAfter     int `toml:"stale_after_seconds"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	DefaultTimeout int `toml:"default_timeout_seconds"`
	// StaleOverrides maps a resource name (or a prefix ending in '*') to its
	// own staleness threshold in seconds.
	StaleOverrides map[string]int `toml:"stale_overrides"`
}

// Registry contains worker liveness configuration.
type Registry struct {
	HeartbeatInterval int `toml:"heartbeat_interval_seconds"`
	LivenessTimeout   int `toml:"liveness_timeout_seconds"`
	SweepInterval     int `toml:"sweep_interval_seconds"`
	HistoryLimit      int `toml:"history_limit"`
}

// Bus contains message bus delivery configuration.
type Bus struct {
	PollIntervalMS int  `toml:"poll_interval_ms"`
	UseFsnotify    bool `toml:"use_fsnotify"`
}

// Resource contains per-worker limits and the global ceilings.
type Resource struct {
	SampleInterval   int     `toml:"sample_interval_seconds"`
	HistorySize      int     `toml:"history_size"`
	Throttle         int     `toml:"throttle_seconds"`
	TrendWindow      int     `toml:"trend_window"`
	MemoryMB         float64 `toml:"memory_mb"`
	MemoryPercent    float64 `toml:"memory_percent"`
	CPUPercent       float64 `toml:"cpu_percent"`
	OpenFiles        int     `toml:"open_files"`
	NumThreads       int     `toml:"num_threads"`
	GlobalMemoryMB   float64 `toml:"global_memory_mb"`
	GlobalCPUPercent float64 `toml:"global_cpu_percent"`
	MaxWorkers       int     `toml:"max_workers"`
	SnapshotMaxAge   int     `toml:"snapshot_max_age_seconds"`
}

// Orchestrator contains scheduling and synthesis configuration.
type Orchestrator struct {
	TickMS              int `toml:"tick_ms"`
	MaxWorkers          int `toml:"max_workers"`
	SynthesisThreshold  int `toml:"synthesis_threshold"`
	SynthesisMinWorkers int `toml:"synthesis_min_workers"`
	DependencyTimeout   int `toml:"dependency_timeout_seconds"`
	MaxAttempts         int `toml:"max_attempts"`
	ConflictLogLimit    int `toml:"conflict_log_limit"`
}

// Worker contains worker runtime configuration.
type Worker struct {
	// Binary is the executable spawned for worker processes. Empty means the
	// running executable.
	Binary          string `toml:"binary"`
	ThrottleBackoff int    `toml:"throttle_backoff_seconds"`
	ResourceTimeout int    `toml:"resource_timeout_seconds"`
	ShutdownGrace   int    `toml:"shutdown_grace_seconds"`
}

// Notifications configures run event delivery to ntfy.
type Notifications struct {
	// NtfyTopic is the full topic URL. Empty disables notifications.
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: coordination root and log directory
//   - Lock: staleness and polling for lock files
//   - Registry: heartbeat and liveness windows
//   - Bus: message delivery polling
//   - Resource: per-worker limits and global ceilings
//   - Orchestrator: tick, pool size, synthesis and dependency timing
//   - Worker: spawned binary and runtime back-offs
//   - Notifications: ntfy topic for run events
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Lock          Lock          `toml:"lock"`
	Registry      Registry      `toml:"registry"`
	Bus           Bus           `toml:"bus"`
	Resource      Resource      `toml:"resource"`
	Orchestrator  Orchestrator  `toml:"orchestrator"`
	Worker        Worker        `toml:"worker"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the coordination root and log directory.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.Root, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
