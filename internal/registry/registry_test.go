package registry_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/coorderr"
	"loom/internal/lock"
	"loom/internal/registry"
	"loom/internal/testsupport"
)

func newRegistry(t *testing.T, root string, clock *testsupport.Clock, opts ...registry.Option) *registry.Registry {
	t.Helper()
	locks, err := lock.New(root, "registry-test", lock.WithPollInterval(2*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	if clock != nil {
		opts = append(opts, registry.WithClock(clock.Now))
	}
	reg, err := registry.New(root, locks, opts...)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestRegisterHeartbeatDeregister(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(time.Time{})
	reg := newRegistry(t, t.TempDir(), clock)

	rec, err := reg.Register(ctx, registry.Record{ID: "dev-1", Type: "developer", WorkPackage: "wp-a"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rec.Activity != registry.ActivityIdle || rec.Status != registry.StatusActive || rec.PID == 0 {
		t.Fatalf("unexpected defaults: %+v", rec)
	}

	clock.Advance(10 * time.Second)
	ok, err := reg.Heartbeat(ctx, "dev-1")
	if err != nil || !ok {
		t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
	}
	got, found, err := reg.Get("dev-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if !got.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("heartbeat not recorded: %s vs %s", got.LastHeartbeat, clock.Now())
	}

	if ok, err := reg.Heartbeat(ctx, "ghost"); err != nil || ok {
		t.Fatalf("heartbeat for unknown worker: ok=%v err=%v", ok, err)
	}

	removed, err := reg.Deregister(ctx, "dev-1", "")
	if err != nil || !removed {
		t.Fatalf("Deregister: removed=%v err=%v", removed, err)
	}
	if removed, _ := reg.Deregister(ctx, "dev-1", "again"); removed {
		t.Fatal("second deregister must report false")
	}

	history, err := reg.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Event != registry.EventRegistered || history[1].Event != registry.EventDeregistered {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[1].Reason != "shutdown" || history[1].UptimeSeconds != 10 {
		t.Fatalf("unexpected deregistration event: %+v", history[1])
	}
}

func TestListActiveExcludesWorkersPastLiveness(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(time.Time{})
	reg := newRegistry(t, t.TempDir(), clock)

	for _, id := range []string{"a", "b"} {
		if _, err := reg.Register(ctx, registry.Record{ID: id, Type: "developer"}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	clock.Advance(40 * time.Second)
	if _, err := reg.Heartbeat(ctx, "b"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clock.Advance(21 * time.Second)

	active, err := reg.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "b" {
		t.Fatalf("expected only b active, got %+v", active)
	}

	all, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Status != registry.StatusStale {
		t.Fatalf("ListActive must not mutate; expected stale a still listed, got %+v", all)
	}

	removed, err := reg.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if strings.Join(removed, ",") != "a" {
		t.Fatalf("expected a removed, got %v", removed)
	}
	history, _ := reg.History()
	last := history[len(history)-1]
	if last.Event != registry.EventTimeout || last.WorkerID != "a" || last.LastHeartbeat == nil || last.UptimeSeconds != 61 {
		t.Fatalf("unexpected timeout event: %+v", last)
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(time.Time{})
	reg := newRegistry(t, t.TempDir(), clock)
	orig, err := reg.Register(ctx, registry.Record{ID: "w", Type: "analyst"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated, err := reg.Update(ctx, "w", func(rec *registry.Record) error {
		rec.Activity = registry.ActivityWorking
		rec.CurrentTask = "wp_1"
		rec.ID = "hijacked"
		rec.PID = 1
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != "w" || updated.PID != orig.PID || updated.CurrentTask != "wp_1" || updated.Activity != registry.ActivityWorking {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	_, err = reg.Update(ctx, "missing", func(*registry.Record) error { return nil })
	if !errors.Is(err, coorderr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sentinel := errors.New("reject")
	if _, err := reg.Update(ctx, "w", func(*registry.Record) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _, _ := reg.Get("w")
	if got.CurrentTask != "wp_1" {
		t.Fatalf("failed update must not persist: %+v", got)
	}
}

func TestConcurrentRegistrationsAreNotLost(t *testing.T) {
	root := t.TempDir()
	const workers = 12

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		reg := newRegistry(t, root, nil, registry.WithLockTimeout(10*time.Second))
		id := fmt.Sprintf("worker-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(context.Background(), registry.Record{ID: id, Type: "developer"}); err != nil {
				t.Errorf("Register %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	active, err := newRegistry(t, root, nil).ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != workers {
		t.Fatalf("expected %d workers, got %d", workers, len(active))
	}
}

func TestStatsAndFilters(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(time.Time{})
	reg := newRegistry(t, t.TempDir(), clock)

	records := []registry.Record{
		{ID: "a1", Type: "analyst", WorkPackage: "wp-1"},
		{ID: "d1", Type: "developer", WorkPackage: "wp-1"},
		{ID: "d2", Type: "developer"},
	}
	for _, rec := range records {
		if _, err := reg.Register(ctx, rec); err != nil {
			t.Fatalf("Register %s: %v", rec.ID, err)
		}
		clock.Advance(10 * time.Second)
	}

	stats, err := reg.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalActive != 3 || stats.ByType["developer"] != 2 || stats.ByWorkPackage["wp-1"] != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.OldestWorker != "a1" || stats.NewestWorker != "d2" {
		t.Fatalf("unexpected oldest/newest: %+v", stats)
	}
	// Uptimes are 30s, 20s and 10s.
	if stats.AverageUptimeSeconds != 20 {
		t.Fatalf("expected average uptime 20, got %d", stats.AverageUptimeSeconds)
	}

	devs, err := reg.ByType("developer")
	if err != nil || len(devs) != 2 {
		t.Fatalf("ByType: %v %+v", err, devs)
	}
	wp, err := reg.ByWorkPackage("wp-1")
	if err != nil || len(wp) != 2 {
		t.Fatalf("ByWorkPackage: %v %+v", err, wp)
	}

	empty := newRegistry(t, t.TempDir(), clock)
	if stats, err := empty.Stats(); err != nil || stats.TotalActive != 0 || stats.ByType == nil {
		t.Fatalf("unexpected empty stats: %+v err=%v", stats, err)
	}
}

func TestHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, t.TempDir(), nil, registry.WithHistoryLimit(5))
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("w%d", i)
		if _, err := reg.Register(ctx, registry.Record{ID: id}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := reg.Deregister(ctx, id, "done"); err != nil {
			t.Fatalf("Deregister: %v", err)
		}
	}
	history, err := reg.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 events, got %d", len(history))
	}
	if history[0].WorkerID != "w1" || history[0].Event != registry.EventDeregistered {
		t.Fatalf("oldest events must be evicted first, got %+v", history[0])
	}
}

func TestRegisterRequiresID(t *testing.T) {
	reg := newRegistry(t, t.TempDir(), nil)
	if _, err := reg.Register(context.Background(), registry.Record{ID: "  "}); !errors.Is(err, coorderr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	reg := newRegistry(t, t.TempDir(), clock, registry.WithSweepInterval(5*time.Millisecond))
	if _, err := reg.Register(context.Background(), registry.Record{ID: "old"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		all, err := reg.List()
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep did not remove the stale worker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestNewWorkerID(t *testing.T) {
	a := registry.NewWorkerID("developer")
	b := registry.NewWorkerID("developer")
	if a == b || !strings.HasPrefix(a, "developer-") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
	if !strings.HasPrefix(registry.NewWorkerID(""), "worker-") {
		t.Fatal("blank type should fall back to worker prefix")
	}
}
