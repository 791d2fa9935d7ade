package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"loom/internal/bus"
	"loom/internal/lock"
	"loom/internal/registry"
	"loom/internal/testsupport"
	"loom/internal/workpkg"
)

type idleSpawner struct{}

func (idleSpawner) Spawn(context.Context, SpawnRequest) error { return nil }
func (idleSpawner) Stop(context.Context, string) error        { return nil }

type syncFixture struct {
	orch  *Orchestrator
	reg   *registry.Registry
	bus   *bus.Bus
	other *lock.Manager
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	root := cfg.Paths.Root
	locks, err := lock.New(root, bus.Orchestrator, lock.WithPollInterval(2*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	other, err := lock.New(root, "contender", lock.WithPollInterval(2*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	reg, err := registry.New(root, locks, registry.WithLockTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	b, err := bus.New(root, bus.Orchestrator)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	orch, err := New(Deps{Root: root, Locks: locks, Registry: reg, Bus: b, Spawner: idleSpawner{}}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.Record{ID: "developer-1", PID: os.Getpid(), Type: "developer", Activity: registry.ActivityIdle}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	orch.pool["developer-1"] = &poolWorker{ID: "developer-1", Type: "developer", Activity: registry.ActivityIdle, Registered: true}
	return &syncFixture{orch: orch, reg: reg, bus: b, other: other}
}

func (f *syncFixture) holdRegistry(t *testing.T) func() {
	t.Helper()
	ok, err := f.other.Acquire(context.Background(), registry.LockResource, lock.AcquireOptions{NonBlocking: true})
	if err != nil || !ok {
		t.Fatalf("hold registry lock: ok=%v err=%v", ok, err)
	}
	return func() { _ = f.other.Release(registry.LockResource) }
}

func TestDispatchRevertsWhenRegistryUpdateFails(t *testing.T) {
	f := newSyncFixture(t)
	spec := workpkg.PackageSpec{ID: "wp_1", Description: "implement"}
	pkg := workpkg.New(spec, time.Now())
	f.orch.packages[spec.ID] = pkg
	f.orch.order = append(f.orch.order, spec.ID)

	release := f.holdRegistry(t)
	f.orch.startPackageLocked(pkg, f.orch.pool["developer-1"])
	f.orch.dispatch(context.Background(), assignment{workerID: "developer-1", spec: spec})
	release()

	if pkg.Status != workpkg.StatusPending || pkg.AssignedWorker != "" {
		t.Fatalf("expected package back to pending, got status=%s worker=%q", pkg.Status, pkg.AssignedWorker)
	}
	if pkg.Attempts != 0 {
		t.Fatalf("undelivered assignment must not count as an attempt, got %d", pkg.Attempts)
	}
	if w := f.orch.pool["developer-1"]; w.Activity != registry.ActivityIdle || w.CurrentTask != "" {
		t.Fatalf("expected pool worker idle, got %+v", w)
	}
	pending, err := f.bus.Pending("developer-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("task must not be published when the registry disagrees, got %d messages", len(pending))
	}
}

func TestIdleWriteRetriedAfterRegistryContention(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Update(ctx, "developer-1", func(rec *registry.Record) error {
		rec.Activity = registry.ActivityWorking
		rec.CurrentTask = "wp_1"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	release := f.holdRegistry(t)
	f.orch.markWorkerIdle(ctx, "developer-1", false)
	release()

	rec, _, err := f.reg.Get("developer-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CurrentTask != "wp_1" {
		t.Fatalf("expected record untouched while locked, got %+v", rec)
	}

	f.orch.syncRegistry(ctx)
	rec, _, err = f.reg.Get("developer-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Activity != registry.ActivityIdle || rec.CurrentTask != "" || rec.TasksCompleted != 1 {
		t.Fatalf("expected resynced idle record with one completion, got %+v", rec)
	}
	if len(f.orch.unsynced) != 0 {
		t.Fatalf("expected no queued writes, got %+v", f.orch.unsynced)
	}
}
