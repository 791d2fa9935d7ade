package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLock()
	c.normalizeLogging()
	c.Worker.Binary = strings.TrimSpace(c.Worker.Binary)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("LOOM_ROOT"); ok && strings.TrimSpace(value) != "" {
		c.Paths.Root = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.Root) == "" {
		c.Paths.Root = defaultRoot
	}
	var err error
	if c.Paths.Root, err = expandPath(c.Paths.Root); err != nil {
		return fmt.Errorf("paths.root: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.Root, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLock() {
	if c.Lock.StaleOverrides == nil {
		c.Lock.StaleOverrides = map[string]int{}
	}
	cleaned := make(map[string]int, len(c.Lock.StaleOverrides))
	for name, v := range c.Lock.StaleOverrides {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cleaned[name] = v
	}
	c.Lock.StaleOverrides = cleaned
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
