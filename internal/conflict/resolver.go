package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/lock"
	"loom/internal/logging"
)

const (
	// DirName is the conflict directory under the coordination root.
	DirName = "conflicts"
	// LogFile is the capped audit log of every resolution outcome.
	LogFile = "conflict-log.json"

	queuePrefix = "queue_"

	defaultLogLimit    = 1000
	defaultLockTimeout = 5 * time.Second
)

// Outcome is the settlement of a single conflict.
type Outcome struct {
	ConflictID     string       `json:"conflict_id"`
	Type           Type         `json:"type"`
	Severity       Severity     `json:"severity"`
	Resource       string       `json:"resource"`
	Strategy       StrategyName `json:"strategy"`
	Winner         string       `json:"winner,omitempty"`
	Order          []string     `json:"order,omitempty"`
	Selected       string       `json:"selected,omitempty"`
	Content        string       `json:"content,omitempty"`
	Note           string       `json:"note,omitempty"`
	RequiresReview bool         `json:"requires_review,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Result is the merged view of a resolution pass.
type Result struct {
	// Status is "success" when every conflict resolved without error and
	// "partial" otherwise.
	Status       string            `json:"status"`
	Outcomes     []Outcome         `json:"outcomes"`
	Files        map[string]string `json:"files,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Assignments  map[string]string `json:"assignments,omitempty"`
	// Unresolved lists conflicts that failed or require review.
	Unresolved []Conflict `json:"unresolved,omitempty"`
}

// Err reports ErrConflictUnresolved when any conflict still needs attention.
func (r Result) Err() error {
	if len(r.Unresolved) == 0 {
		return nil
	}
	ids := make([]string, len(r.Unresolved))
	for i, c := range r.Unresolved {
		ids[i] = c.ID
	}
	return coorderr.Wrap(ErrConflictUnresolved, "conflict", "resolve", strings.Join(ids, ", "), nil)
}

// UnresolvedWorkers returns the sorted set of workers party to an unresolved
// conflict.
func (r Result) UnresolvedWorkers() []string {
	set := map[string]bool{}
	for _, c := range r.Unresolved {
		for _, w := range c.Workers {
			set[w] = true
		}
	}
	return sortedKeys(set)
}

// Resolver settles conflicts and records their outcomes under the
// coordination root.
type Resolver struct {
	dir         string
	logPath     string
	locks       *lock.Manager
	lockTimeout time.Duration
	logLimit    int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogLimit caps the audit log.
func WithLogLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.logLimit = n
		}
	}
}

// WithLockTimeout bounds waits on the log and queue locks.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logging.NewComponentLogger(logger, "conflict")
	}
}

// New constructs a Resolver under root.
func New(root string, locks *lock.Manager, opts ...Option) (*Resolver, error) {
	if locks == nil {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "conflict", "new", "lock manager is required", nil)
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conflict dir: %w", err)
	}
	r := &Resolver{
		dir:         dir,
		logPath:     filepath.Join(dir, LogFile),
		locks:       locks,
		lockTimeout: defaultLockTimeout,
		logLimit:    defaultLogLimit,
		now:         time.Now,
		logger:      logging.NewComponentLogger(nil, "conflict"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewFromConfig constructs a Resolver with the configured log cap.
func NewFromConfig(cfg *config.Config, locks *lock.Manager, logger *slog.Logger, opts ...Option) (*Resolver, error) {
	base := []Option{
		WithLogLimit(cfg.Orchestrator.ConflictLogLimit),
		WithLockTimeout(cfg.LockTimeout()),
		WithLogger(logger),
	}
	return New(cfg.Paths.Root, locks, append(base, opts...)...)
}

// Detect reports conflicts between proposals, stamped with the resolver's clock.
func (r *Resolver) Detect(proposals []Proposal) []Conflict {
	return detectAt(proposals, r.now().UTC())
}

// Resolve settles conflicts in severity order and appends every outcome to the
// audit log. Strategy failures do not stop the pass; they are recorded and the
// result status becomes "partial". The returned error covers only audit log
// and queue persistence.
func (r *Resolver) Resolve(ctx context.Context, conflicts []Conflict, proposals []Proposal) (Result, error) {
	ordered := append([]Conflict(nil), conflicts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity != ordered[j].Severity {
			return ordered[i].Severity > ordered[j].Severity
		}
		return lessConflict(ordered[i], ordered[j])
	})

	s := &session{
		resolver:  r,
		proposals: mergeByWorker(proposals),
		files:     map[string]*fileMerge{},
		rejected:  map[string]map[string]bool{},
		queued:    map[string][]QueuedOperation{},
		result: Result{
			Status:       "success",
			Files:        map[string]string{},
			Dependencies: map[string]string{},
			Assignments:  map[string]string{},
		},
	}

	entries := make([]Conflict, 0, len(ordered))
	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return s.result, err
		}
		outcome, err := s.apply(ctx, c)
		now := r.now().UTC()
		outcome.ConflictID, outcome.Type, outcome.Severity, outcome.Resource = c.ID, c.Type, c.Severity, c.Resource
		c.Resolution = outcome.Strategy
		switch {
		case err != nil:
			outcome.Error = err.Error()
			c.Error = err.Error()
			s.result.Status = "partial"
			s.result.Unresolved = append(s.result.Unresolved, c)
			logging.WarnWithContext(r.logger, "conflict resolution failed", "conflict_resolution_failed",
				logging.String(logging.FieldConflictID, c.ID),
				logging.String("type", c.Type.String()),
				logging.String(logging.FieldResource, c.Resource),
				logging.Error(err),
				logging.String(logging.FieldImpact, "changes from the involved workers are held back"),
			)
		case outcome.RequiresReview:
			s.result.Unresolved = append(s.result.Unresolved, c)
			r.logger.Info("conflict requires review",
				logging.String(logging.FieldConflictID, c.ID),
				logging.String("type", c.Type.String()),
				logging.String("strategy", string(outcome.Strategy)),
			)
		default:
			c.Resolved = true
			c.ResolvedAt = &now
			r.logger.Debug("conflict resolved",
				logging.String(logging.FieldConflictID, c.ID),
				logging.String("type", c.Type.String()),
				logging.String("strategy", string(outcome.Strategy)),
			)
		}
		s.result.Outcomes = append(s.result.Outcomes, outcome)
		entries = append(entries, c)
	}

	for path, fm := range s.files {
		s.result.Files[path] = fm.content()
	}
	if err := s.flushQueues(ctx); err != nil {
		return s.result, err
	}
	if err := r.appendLog(ctx, entries); err != nil {
		return s.result, err
	}
	return s.result, nil
}
