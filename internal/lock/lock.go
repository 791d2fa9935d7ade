package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/logging"
	"loom/internal/sysprobe"
)

const (
	// DirName is the lock directory under the coordination root.
	DirName = "locks"

	fileSuffix = ".lock"

	defaultStaleAfter   = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultTimeout      = 5 * time.Second

	// A lock file that cannot be decoded is only reclaimed once it is older
	// than this, so a contender never removes a lock still being written.
	unreadableGrace = 2 * time.Second
)

var (
	ErrLockTimeout        = coorderr.ErrLockTimeout
	ErrStaleLockReclaimed = coorderr.ErrStaleLockReclaimed
)

// Info is the metadata persisted inside a lock file.
type Info struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Resource  string    `json:"resource"`
	Token     string    `json:"token"`
}

// Age reports how long ago the lock was taken relative to now.
func (i Info) Age(now time.Time) time.Duration {
	return now.Sub(i.Timestamp)
}

// Manager acquires and releases locks on behalf of one holder identity.
type Manager struct {
	dir            string
	holder         string
	pid            int
	staleAfter     time.Duration
	overrides      map[string]time.Duration
	poll           time.Duration
	defaultTimeout time.Duration
	alive          func(int) bool
	now            func() time.Time
	logger         *slog.Logger

	mu   sync.Mutex
	held map[string]string // resource -> token
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleAfter sets the default staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithStaleOverrides sets per-resource staleness windows. Keys ending in '*'
// match by prefix.
func WithStaleOverrides(overrides map[string]time.Duration) Option {
	return func(m *Manager) {
		for name, d := range overrides {
			if d > 0 {
				m.overrides[name] = d
			}
		}
	}
}

// WithPollInterval sets the contention retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithDefaultTimeout sets the timeout used when callers pass zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.NewComponentLogger(logger, "lock")
	}
}

// WithLivenessProbe replaces the pid liveness check.
func WithLivenessProbe(alive func(int) bool) Option {
	return func(m *Manager) {
		if alive != nil {
			m.alive = alive
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPID overrides the pid recorded in lock files.
func WithPID(pid int) Option {
	return func(m *Manager) {
		if pid > 0 {
			m.pid = pid
		}
	}
}

// New constructs a Manager rooted at root/locks for holder.
func New(root, holder string, opts ...Option) (*Manager, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "lock", "new", "holder is required", nil)
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	m := &Manager{
		dir:            dir,
		holder:         holder,
		pid:            os.Getpid(),
		staleAfter:     defaultStaleAfter,
		overrides:      map[string]time.Duration{},
		poll:           defaultPollInterval,
		defaultTimeout: defaultTimeout,
		alive:          sysprobe.ProcessAlive,
		now:            time.Now,
		logger:         logging.NewComponentLogger(nil, "lock"),
		held:           map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewFromConfig constructs a Manager using the configured timing.
func NewFromConfig(cfg *config.Config, holder string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	base := []Option{
		WithStaleAfter(cfg.LockStaleAfter()),
		WithStaleOverrides(cfg.LockStaleOverrides()),
		WithPollInterval(cfg.LockPollInterval()),
		WithDefaultTimeout(cfg.LockTimeout()),
		WithLogger(logger),
	}
	return New(cfg.Paths.Root, holder, append(base, opts...)...)
}

// Holder returns the identity written into acquired locks.
func (m *Manager) Holder() string { return m.holder }

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

// StaleAfter returns the staleness window applied to resource.
func (m *Manager) StaleAfter(resource string) time.Duration {
	if d, ok := m.overrides[resource]; ok {
		return d
	}
	best, bestLen := time.Duration(0), -1
	for pattern, d := range m.overrides {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(resource, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = d, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return m.staleAfter
}

// Held lists resources this manager currently holds.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for resource := range m.held {
		out = append(out, resource)
	}
	return out
}

func (m *Manager) path(resource string) string {
	return filepath.Join(m.dir, resource+fileSuffix)
}

func validateResource(resource string) error {
	if resource == "" || resource == "." || resource == ".." ||
		strings.ContainsAny(resource, `/\`) || strings.HasPrefix(resource, ".") {
		return coorderr.Wrap(coorderr.ErrValidation, "lock", "validate", fmt.Sprintf("invalid resource name %q", resource), nil)
	}
	return nil
}
