package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/lock"
	"loom/internal/registry"
	"loom/internal/resource"
	"loom/internal/sysprobe"
	"loom/internal/testsupport"
	"loom/internal/worker"
	"loom/internal/workpkg"
)

var quiet = sysprobe.Usage{PID: 1, MemoryMB: 10, MemoryPercent: 1, CPUPercent: 1, OpenFiles: 5, NumThreads: 2}

type harness struct {
	cfg     *config.Config
	rt      *worker.Runtime
	monitor *resource.Monitor
	reg     *registry.Registry
	orch    *bus.Bus
}

func newHarness(t *testing.T, id string, exec worker.Executor, tune ...func(*worker.Options)) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	locks, err := lock.NewFromConfig(cfg, id, nil)
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	reg, err := registry.NewFromConfig(cfg, locks, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	b, err := bus.NewFromConfig(cfg, id, nil)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	mon, err := resource.NewMonitorFromConfig(cfg, id, locks, nil, resource.WithSampler(testsupport.NewSampler(quiet)))
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	orch, err := bus.NewFromConfig(cfg, bus.Orchestrator, nil)
	if err != nil {
		t.Fatalf("orchestrator bus: %v", err)
	}
	opts := worker.Options{
		ID:                id,
		Type:              "developer",
		Executor:          exec,
		ThrottleBackoff:   20 * time.Millisecond,
		DependencyTimeout: 200 * time.Millisecond,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	rt, err := worker.New(worker.Deps{Locks: locks, Registry: reg, Bus: b, Monitor: mon}, opts)
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return &harness{cfg: cfg, rt: rt, monitor: mon, reg: reg, orch: orch}
}

func (h *harness) start(t *testing.T) (context.Context, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.rt.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = h.rt.Stop("test cleanup") })
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()
	return ctx, done
}

func (h *harness) assign(t *testing.T, spec workpkg.PackageSpec) {
	t.Helper()
	if err := h.orch.Publish(bus.TaskAssignment(bus.Orchestrator, h.rt.ID(), spec.Payload())); err != nil {
		t.Fatalf("publish assignment: %v", err)
	}
}

func (h *harness) waitForResult(t *testing.T, msgType, taskID string) bus.Message {
	t.Helper()
	var found bus.Message
	waitFor(t, 3*time.Second, func() bool {
		pending, err := h.orch.Pending(bus.Orchestrator)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		for _, msg := range pending {
			if msg.Type == msgType && msg.PayloadString("task_id") == taskID {
				found = msg
				return true
			}
		}
		return false
	})
	return found
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartRegistersAndAnnounces(t *testing.T) {
	h := newHarness(t, "developer-1", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, nil
	}))
	h.start(t)

	rec, ok, err := h.reg.Get("developer-1")
	if err != nil || !ok {
		t.Fatalf("expected registered worker: ok=%v err=%v", ok, err)
	}
	if rec.Type != "developer" || rec.Activity != registry.ActivityIdle {
		t.Fatalf("unexpected record: %+v", rec)
	}
	broadcasts, err := h.orch.Pending(bus.Broadcast)
	if err != nil {
		t.Fatalf("pending broadcast: %v", err)
	}
	if len(broadcasts) != 1 || broadcasts[0].Type != bus.TypeDiscovery {
		t.Fatalf("expected one discovery broadcast, got %+v", broadcasts)
	}
}

func TestAssignedTaskCompletes(t *testing.T) {
	var seen atomic.Value
	h := newHarness(t, "developer-2", worker.FuncExecutor(func(_ context.Context, task worker.Task) (map[string]any, error) {
		seen.Store(task)
		return map[string]any{"output": "done"}, nil
	}))
	h.start(t)
	h.assign(t, workpkg.PackageSpec{ID: "wp_a", Type: "implement", Complexity: workpkg.Medium})

	msg := h.waitForResult(t, bus.TypeTaskComplete, "wp_a")
	results, _ := msg.Payload["results"].(map[string]any)
	if results["output"] != "done" {
		t.Fatalf("unexpected results: %+v", msg.Payload)
	}
	task := seen.Load().(worker.Task)
	if task.WorkerID != "developer-2" || task.Complexity != workpkg.Medium {
		t.Fatalf("unexpected task: %+v", task)
	}
	status := h.rt.Status()
	if status["tasks_completed"] != 1 {
		t.Fatalf("expected one completion, got %v", status["tasks_completed"])
	}
}

func TestReRegistrationKeepsCounters(t *testing.T) {
	h := newHarness(t, "developer-9", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, nil
	}), func(o *worker.Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	h.start(t)
	h.assign(t, workpkg.PackageSpec{ID: "wp_r", Type: "implement"})
	h.waitForResult(t, bus.TypeTaskComplete, "wp_r")

	first, ok, err := h.reg.Get("developer-9")
	if err != nil || !ok {
		t.Fatalf("expected registered worker: ok=%v err=%v", ok, err)
	}
	if _, err := h.reg.Deregister(context.Background(), "developer-9", "swept"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	var again registry.Record
	waitFor(t, 3*time.Second, func() bool {
		rec, ok, err := h.reg.Get("developer-9")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		again = rec
		return ok
	})
	if again.TasksCompleted != 1 {
		t.Fatalf("expected completion count carried over, got %+v", again)
	}
	if !again.Started.Equal(first.Started) {
		t.Fatalf("expected original start %s, got %s", first.Started, again.Started)
	}
}

func TestFailedTaskReportsError(t *testing.T) {
	h := newHarness(t, "developer-3", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, errors.New("compile error")
	}))
	h.start(t)
	h.assign(t, workpkg.PackageSpec{ID: "wp_b", Type: "fix"})

	msg := h.waitForResult(t, bus.TypeTaskFailed, "wp_b")
	if msg.PayloadString("error") != "compile error" {
		t.Fatalf("expected error in payload, got %+v", msg.Payload)
	}
}

func TestThrottledWorkerDelaysTasks(t *testing.T) {
	var runs atomic.Int32
	h := newHarness(t, "developer-4", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	}))
	h.start(t)
	h.monitor.Throttle(time.Hour)
	h.assign(t, workpkg.PackageSpec{ID: "wp_c"})

	time.Sleep(300 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("throttled worker ran a task")
	}
	h.monitor.Throttle(time.Nanosecond)
	h.waitForResult(t, bus.TypeTaskComplete, "wp_c")
}

func TestShutdownMessageEndsRun(t *testing.T) {
	h := newHarness(t, "developer-5", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, nil
	}))
	_, done := h.start(t)
	if ok, err := h.rt.RequestResource(context.Background(), "git", time.Second); err != nil || !ok {
		t.Fatalf("RequestResource failed: ok=%v err=%v", ok, err)
	}
	if err := h.orch.Publish(bus.Shutdown(bus.Orchestrator, "developer-5", "run finished")); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after shutdown")
	}
	if err := h.rt.Stop("shutdown"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, ok, _ := h.reg.Get("developer-5"); ok {
		t.Fatalf("worker still registered after Stop")
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.Root, lock.DirName, "git.lock")); !os.IsNotExist(err) {
		t.Fatalf("expected git lock released, stat err=%v", err)
	}
	snapshot := filepath.Join(h.cfg.Paths.Root, resource.DirName, "developer-5"+resource.SnapshotSuffix)
	if _, err := os.Stat(snapshot); !os.IsNotExist(err) {
		t.Fatalf("expected usage snapshot removed, stat err=%v", err)
	}
	if h.rt.Active() {
		t.Fatalf("runtime still active")
	}
}

func TestWaitForDependencies(t *testing.T) {
	h := newHarness(t, "developer-6", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, nil
	}))
	h.start(t)

	errCh := make(chan error, 1)
	go func() { errCh <- h.rt.WaitForDependencies(context.Background(), []string{"wp_dep"}, 3*time.Second) }()
	notice := bus.NewMessage(bus.Orchestrator, "developer-6", bus.TypeTaskComplete, map[string]any{"task_id": "wp_dep"})
	if err := h.orch.Publish(notice); err != nil {
		t.Fatalf("publish completion: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("WaitForDependencies failed: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("WaitForDependencies did not return")
	}

	err := h.rt.WaitForDependencies(context.Background(), []string{"wp_never"}, 0)
	if !errors.Is(err, worker.ErrDependencyTimeout) {
		t.Fatalf("expected ErrDependencyTimeout, got %v", err)
	}
}

func TestStatusRequestIsAnswered(t *testing.T) {
	h := newHarness(t, "developer-7", worker.FuncExecutor(func(context.Context, worker.Task) (map[string]any, error) {
		return nil, nil
	}))
	h.start(t)
	if err := h.orch.Publish(bus.StatusRequest(bus.Orchestrator, "developer-7")); err != nil {
		t.Fatalf("publish status request: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		pending, _ := h.orch.Pending(bus.Orchestrator)
		for _, msg := range pending {
			if msg.Type == bus.TypeStatusResponse && msg.PayloadString("worker_id") == "developer-7" {
				return true
			}
		}
		return false
	})
}

func TestNewRejectsMismatchedBus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	locks, _ := lock.NewFromConfig(cfg, "a", nil)
	reg, _ := registry.NewFromConfig(cfg, locks, nil)
	b, _ := bus.NewFromConfig(cfg, "b", nil)
	if _, err := worker.New(worker.Deps{Locks: locks, Registry: reg, Bus: b}, worker.Options{ID: "a"}); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if _, err := worker.New(worker.Deps{Bus: b}, worker.Options{}); err == nil {
		t.Fatalf("expected missing deps error")
	}
}
