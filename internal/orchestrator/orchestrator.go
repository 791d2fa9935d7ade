package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/ledger"
	"loom/internal/lock"
	"loom/internal/logging"
	"loom/internal/registry"
	"loom/internal/resource"
	"loom/internal/workpkg"
)

// ErrDependencyTimeout marks packages whose dependencies stalled.
var ErrDependencyTimeout = coorderr.ErrDependencyTimeout

// ReportsDirName holds final reports under the coordination root.
const ReportsDirName = "reports"

const (
	defaultTick                = 500 * time.Millisecond
	defaultMaxWorkers          = 5
	defaultSynthesisThreshold  = 3
	defaultSynthesisMinWorkers = 2
	defaultDependencyTimeout   = 300 * time.Second
	defaultMaxAttempts         = 2
	defaultStopTimeout         = 15 * time.Second
)

// Deps are the components an orchestrator coordinates through. Bus must be
// the orchestrator recipient. Locks, Global, Ledger and Synthesizer are
// optional.
type Deps struct {
	Root        string
	Locks       *lock.Manager
	Registry    *registry.Registry
	Bus         *bus.Bus
	Global      *resource.Global
	Spawner     Spawner
	Synthesizer Synthesizer
	Ledger      *ledger.Store
	Logger      *slog.Logger
}

// Options tune scheduling.
type Options struct {
	ID                  string
	RunName             string
	Tick                time.Duration
	MaxWorkers          int
	SynthesisThreshold  int
	SynthesisMinWorkers int
	DependencyTimeout   time.Duration
	MaxAttempts         int
	// LivenessTimeout bounds how long a spawned worker may take to register.
	LivenessTimeout time.Duration
	// DisableSynthesis skips both periodic and final synthesis.
	DisableSynthesis bool
	Now              func() time.Time
}

// OptionsFromConfig reads scheduling options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Tick:                cfg.Tick(),
		MaxWorkers:          cfg.Orchestrator.MaxWorkers,
		SynthesisThreshold:  cfg.Orchestrator.SynthesisThreshold,
		SynthesisMinWorkers: cfg.Orchestrator.SynthesisMinWorkers,
		DependencyTimeout:   cfg.DependencyTimeout(),
		MaxAttempts:         cfg.Orchestrator.MaxAttempts,
		LivenessTimeout:     cfg.LivenessTimeout(),
	}
}

func (o *Options) applyDefaults() {
	if strings.TrimSpace(o.ID) == "" {
		o.ID = NewID()
	}
	if o.Tick <= 0 {
		o.Tick = defaultTick
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = defaultMaxWorkers
	}
	if o.SynthesisThreshold <= 0 {
		o.SynthesisThreshold = defaultSynthesisThreshold
	}
	if o.SynthesisMinWorkers <= 0 {
		o.SynthesisMinWorkers = defaultSynthesisMinWorkers
	}
	if o.DependencyTimeout <= 0 {
		o.DependencyTimeout = defaultDependencyTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 60 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// NewID returns a fresh orchestrator id of the form orchestrator_<8 hex>.
func NewID() string {
	return "orchestrator_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// poolWorker is the orchestrator's view of a worker it spawned.
type poolWorker struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Activity       registry.Activity `json:"activity"`
	CurrentTask    string            `json:"current_task,omitempty"`
	Reserved       string            `json:"reserved,omitempty"`
	Registered     bool              `json:"registered"`
	SpawnedAt      time.Time         `json:"spawned_at"`
	TasksCompleted int               `json:"tasks_completed"`
	TasksFailed    int               `json:"tasks_failed"`
}

// Orchestrator schedules work packages across a worker pool.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	packages  map[string]*workpkg.WorkPackage
	order     []string
	pool      map[string]*poolWorker
	retired   map[string]*poolWorker
	dirty     map[string]struct{}
	unsynced  map[string]registrySync
	syntheses []Synthesis
	blocked   map[string]string
	startedAt time.Time
	runErr    error
	lastGate  string

	subs []subscription
}

type subscription struct {
	msgType string
	id      bus.Subscription
}

// New constructs an orchestrator in the initializing state.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Root == "" || deps.Registry == nil || deps.Bus == nil || deps.Spawner == nil {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "orchestrator", "new", "root, registry, bus and spawner are required", nil)
	}
	if deps.Bus.Recipient() != bus.Orchestrator {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "orchestrator", "new",
			fmt.Sprintf("bus must dispatch for %q, got %q", bus.Orchestrator, deps.Bus.Recipient()), nil)
	}
	opts.applyDefaults()
	logger := logging.NewComponentLogger(deps.Logger, "orchestrator").With(logging.String("orchestrator_id", opts.ID))
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		state:    StateInitializing,
		packages: map[string]*workpkg.WorkPackage{},
		pool:     map[string]*poolWorker{},
		retired:  map[string]*poolWorker{},
		dirty:    map[string]struct{}{},
		unsynced: map[string]registrySync{},
		blocked:  map[string]string{},
	}, nil
}

// ID returns the orchestrator id.
func (o *Orchestrator) ID() string { return o.opts.ID }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Initialize installs the message handlers, starts the bus and moves to ready.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateInitializing {
		o.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, o.state)
	}
	o.mu.Unlock()

	o.subscribe()
	if err := o.deps.Bus.Start(ctx); err != nil {
		o.unsubscribe()
		return fmt.Errorf("start orchestrator bus: %w", err)
	}
	if err := o.transition(StateReady); err != nil {
		return err
	}
	o.logger.Info("orchestrator ready",
		logging.Int("max_workers", o.opts.MaxWorkers),
		logging.Duration("tick", o.opts.Tick),
	)
	return nil
}

func (o *Orchestrator) reportPath() string {
	return filepath.Join(o.deps.Root, ReportsDirName, o.opts.ID+".json")
}
