package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/logs"
	"loom/internal/resource"
	"loom/internal/worker"
)

// ErrUnknownWorker is returned when stopping a worker the spawner never started.
var ErrUnknownWorker = errors.New("unknown worker")

// SpawnRequest describes one worker to start.
type SpawnRequest struct {
	ID          string
	Type        string
	WorkPackage string
}

// Spawner starts and stops workers on behalf of the orchestrator.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
	Stop(ctx context.Context, id string) error
}

// ProcessSpawner runs each worker as a `loom worker` child process.
type ProcessSpawner struct {
	Executable string
	ConfigPath string
	Root       string
	// LogDir receives one <id>.log per worker. Empty discards output.
	LogDir string
	// Bus delivers the shutdown request before the grace period starts.
	Bus    *bus.Bus
	Grace  time.Duration
	Logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*childProcess
}

type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewProcessSpawner returns a spawner that launches executable with the
// configured root and config path.
func NewProcessSpawner(cfg *config.Config, executable, configPath string, b *bus.Bus, logger *slog.Logger) *ProcessSpawner {
	return &ProcessSpawner{
		Executable: executable,
		ConfigPath: configPath,
		Root:       cfg.Paths.Root,
		LogDir:     logs.WorkerDir(cfg),
		Bus:        b,
		Grace:      cfg.ShutdownGrace(),
		Logger:     logging.NewComponentLogger(logger, "spawner"),
	}
}

func (s *ProcessSpawner) args(req SpawnRequest) []string {
	args := []string{"worker", "--id", req.ID, "--type", req.Type, "--root", s.Root}
	if cfg := strings.TrimSpace(s.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if req.WorkPackage != "" {
		args = append(args, "--work-package", req.WorkPackage)
	}
	return args
}

// Spawn starts the worker process. The process outlives ctx; use Stop to end it.
func (s *ProcessSpawner) Spawn(_ context.Context, req SpawnRequest) error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	cmd := exec.Command(s.Executable, s.args(req)...)
	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return fmt.Errorf("create worker log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.LogDir, req.ID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("launch worker: %w", err)
	}

	child := &childProcess{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	if s.procs == nil {
		s.procs = map[string]*childProcess{}
	}
	s.procs[req.ID] = child
	s.mu.Unlock()

	go func() {
		child.err = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		close(child.done)
		logging.OrNop(s.Logger).Debug("worker process exited",
			logging.String(logging.FieldWorkerID, req.ID),
			logging.Error(child.err),
		)
	}()
	return nil
}

// Stop asks the worker to shut down and kills it after the grace period.
func (s *ProcessSpawner) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	child, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownWorker
	}
	if s.Bus != nil {
		if err := s.Bus.Publish(bus.Shutdown(s.Bus.Recipient(), id, "orchestration complete")); err != nil {
			logging.OrNop(s.Logger).Warn("shutdown request failed", logging.String(logging.FieldWorkerID, id), logging.Error(err))
		}
	}
	grace := s.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-child.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	logging.WarnWithContext(logging.OrNop(s.Logger), "worker ignored shutdown; killing", "worker_killed",
		logging.String(logging.FieldWorkerID, id),
		logging.Duration("grace", grace),
		logging.String(logging.FieldImpact, "its locks are reclaimed once stale"),
	)
	if err := child.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %s: %w", id, err)
	}
	<-child.done
	return nil
}

// InProcessSpawner runs workers as goroutines sharing the coordination root.
type InProcessSpawner struct {
	Config         *config.Config
	Executor       worker.Executor
	Logger         *slog.Logger
	MonitorOptions []resource.Option

	mu      sync.Mutex
	workers map[string]*inProcessWorker
}

type inProcessWorker struct {
	runtime *worker.Runtime
	cancel  context.CancelFunc
	done    chan struct{}
}

// Spawn starts a worker runtime in the background.
func (s *InProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) error {
	if s.Config == nil {
		return errors.New("in-process spawner requires a config")
	}
	rt, err := worker.NewFromConfig(s.Config, worker.Options{
		ID:          req.ID,
		Type:        req.Type,
		WorkPackage: req.WorkPackage,
		Executor:    s.Executor,
	}, s.Logger, s.MonitorOptions...)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := rt.Start(runCtx); err != nil {
		cancel()
		return err
	}
	w := &inProcessWorker{runtime: rt, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	if s.workers == nil {
		s.workers = map[string]*inProcessWorker{}
	}
	s.workers[req.ID] = w
	s.mu.Unlock()

	go func() {
		defer close(w.done)
		_ = rt.Run(runCtx)
		if err := rt.Stop("run ended"); err != nil {
			logging.OrNop(s.Logger).Warn("worker stop failed", logging.String(logging.FieldWorkerID, req.ID), logging.Error(err))
		}
	}()
	return nil
}

// Stop cancels the worker and waits for it to deregister.
func (s *InProcessSpawner) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownWorker
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runtime returns the running worker with id, for inspection.
func (s *InProcessSpawner) Runtime(id string) (*worker.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	return w.runtime, true
}
