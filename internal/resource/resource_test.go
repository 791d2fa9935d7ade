package resource_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/lock"
	"loom/internal/resource"
	"loom/internal/sysprobe"
	"loom/internal/testsupport"
)

func newMonitor(t *testing.T, root, id string, sampler sysprobe.Sampler, clock *testsupport.Clock, opts ...resource.Option) *resource.Monitor {
	t.Helper()
	locks, err := lock.New(root, id, lock.WithPollInterval(2*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	base := []resource.Option{resource.WithSampler(sampler), resource.WithClock(clock.Now)}
	m, err := resource.NewMonitor(root, id, locks, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

func mem(mb float64) sysprobe.Usage {
	return sysprobe.Usage{PID: 1, MemoryMB: mb, MemoryPercent: 1, CPUPercent: 1, OpenFiles: 5, NumThreads: 2}
}

func TestLimitsCheck(t *testing.T) {
	limits := resource.DefaultLimits()
	usage := sysprobe.Usage{MemoryMB: 600, MemoryPercent: 1, CPUPercent: 30, OpenFiles: 101, NumThreads: 3}
	violations := limits.Check(usage)
	var metrics []string
	for _, v := range violations {
		metrics = append(metrics, v.Metric)
	}
	if strings.Join(metrics, ",") != "memory_mb,cpu_percent,open_files" {
		t.Fatalf("unexpected violations %v", metrics)
	}
	if !errors.Is(violations[0].Err(), resource.ErrResourceLimitExceeded) {
		t.Fatalf("violation error must wrap ErrResourceLimitExceeded: %v", violations[0].Err())
	}
	if len((resource.Limits{}).Check(usage)) != 0 {
		t.Fatal("zero limits must disable every check")
	}
}

func TestSampleThrottlesOnViolation(t *testing.T) {
	root := t.TempDir()
	clock := testsupport.NewClock(time.Time{})
	sampler := testsupport.NewSampler(mem(100), mem(900), mem(950), mem(100))
	m := newMonitor(t, root, "w1", sampler, clock, resource.WithTrendWindow(0))

	var mu sync.Mutex
	var seen [][]resource.Violation
	m.OnViolation(func(id string, v []resource.Violation) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := m.Sample(ctx); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if m.IsThrottled() {
		t.Fatal("no violation yet")
	}
	if _, err := m.Sample(ctx); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if !m.IsThrottled() {
		t.Fatal("expected throttle after memory violation")
	}

	clock.Advance(20 * time.Second)
	_, _ = m.Sample(ctx)
	clock.Advance(11 * time.Second)
	if m.IsThrottled() {
		t.Fatal("throttle window must not be extended by violations while throttled")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 violation callbacks, got %d", len(seen))
	}
}

func TestTrendGuardThrottlesBeforeBreach(t *testing.T) {
	root := t.TempDir()
	clock := testsupport.NewClock(time.Time{})
	// Rising 100MB per sample towards a 512MB limit.
	sampler := testsupport.NewSampler(mem(50), mem(150), mem(250), mem(350), mem(450), mem(550))
	m := newMonitor(t, root, "w1", sampler, clock, resource.WithTrendWindow(5))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s, err := m.Sample(ctx)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if m.IsThrottled() {
			t.Fatalf("throttled too early at %.0fMB", s.MemoryMB)
		}
	}
	s, err := m.Sample(ctx)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.MemoryMB > m.Limits().MemoryMB {
		t.Fatalf("sample already breached the limit: %.0f", s.MemoryMB)
	}
	if !m.IsThrottled() {
		t.Fatal("expected pre-emptive throttle on a projected breach")
	}
}

func TestTrendGuardIgnoresFlatUsage(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	sampler := testsupport.NewSampler(mem(500), mem(500), mem(500), mem(500), mem(500))
	m := newMonitor(t, t.TempDir(), "w1", sampler, clock)
	for i := 0; i < 5; i++ {
		if _, err := m.Sample(context.Background()); err != nil {
			t.Fatalf("Sample: %v", err)
		}
	}
	if m.IsThrottled() {
		t.Fatal("flat usage under the limit must not throttle")
	}
}

func TestStatsAndHistoryCap(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	sampler := testsupport.NewSampler(mem(10), mem(20), mem(30), mem(40))
	m := newMonitor(t, t.TempDir(), "w1", sampler, clock, resource.WithHistorySize(3))
	for i := 0; i < 4; i++ {
		if _, err := m.Sample(context.Background()); err != nil {
			t.Fatalf("Sample: %v", err)
		}
	}
	stats := m.Stats()
	if stats.Samples != 3 || stats.AvgMemoryMB != 30 || stats.MaxMemoryMB != 40 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	latest, ok := m.Latest()
	if !ok || latest.MemoryMB != 40 {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestCheckLimitsDoesNotRecordHistory(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	m := newMonitor(t, t.TempDir(), "w1", testsupport.NewSampler(mem(1000)), clock)
	violations, err := m.CheckLimits()
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	if len(violations) != 1 || violations[0].Metric != resource.MetricMemoryMB {
		t.Fatalf("unexpected violations %+v", violations)
	}
	if m.Stats().Samples != 0 || m.IsThrottled() {
		t.Fatal("CheckLimits must not record or throttle")
	}
}

func TestSamplerErrorsSurface(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	sampler := testsupport.NewSampler(mem(1))
	sampler.Fail(errors.New("proc gone"))
	m := newMonitor(t, t.TempDir(), "w1", sampler, clock)
	if _, err := m.Sample(context.Background()); err == nil {
		t.Fatal("expected sampler error")
	}
}

func TestGlobalAggregatesSnapshots(t *testing.T) {
	root := t.TempDir()
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()

	for i, id := range []string{"w1", "w2"} {
		m := newMonitor(t, root, id, testsupport.NewSampler(sysprobe.Usage{MemoryMB: float64(100 * (i + 1)), CPUPercent: 10}), clock)
		if _, err := m.Sample(ctx); err != nil {
			t.Fatalf("Sample: %v", err)
		}
	}
	old := newMonitor(t, root, "old", testsupport.NewSampler(sysprobe.Usage{MemoryMB: 999}), testsupport.NewClock(clock.Now().Add(-10*time.Minute)))
	if _, err := old.Sample(ctx); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, resource.DirName, "broken"+resource.SnapshotSuffix), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	g := resource.NewGlobal(root, resource.WithSnapshotMaxAge(2*time.Minute), resource.WithGlobalClock(clock.Now))
	total, err := g.TotalUsage()
	if err != nil {
		t.Fatalf("TotalUsage: %v", err)
	}
	if total.WorkerCount != 2 || total.MemoryMB != 300 || total.CPUPercent != 20 || total.StaleSnapshots != 1 {
		t.Fatalf("unexpected total %+v", total)
	}

	ok, reason, err := g.CanStartWorker()
	if err != nil || !ok {
		t.Fatalf("expected admission, ok=%v reason=%q err=%v", ok, reason, err)
	}

	alloc, err := g.Allocation("w3")
	if err != nil {
		t.Fatalf("Allocation: %v", err)
	}
	// 2048MB over three workers is above the 512MB per-worker ceiling.
	if alloc.MemoryMB != 512 {
		t.Fatalf("expected 512MB allocation, got %.1f", alloc.MemoryMB)
	}
	if alloc.CPUPercent != 25 {
		t.Fatalf("expected 25%% cpu allocation, got %.1f", alloc.CPUPercent)
	}

	if err := old.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := old.Remove(); err != nil {
		t.Fatalf("second Remove must be a no-op: %v", err)
	}
}

func TestCanStartWorkerRefusals(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()
	cases := []struct {
		name   string
		limits resource.GlobalLimits
		usage  sysprobe.Usage
		want   string
	}{
		{"count", resource.GlobalLimits{MaxWorkers: 1, TotalMemoryMB: 2048, TotalCPUPercent: 80}, sysprobe.Usage{MemoryMB: 1}, "worker count"},
		{"memory", resource.GlobalLimits{MaxWorkers: 10, TotalMemoryMB: 1000, TotalCPUPercent: 80}, sysprobe.Usage{MemoryMB: 801}, "memory"},
		{"cpu", resource.GlobalLimits{MaxWorkers: 10, TotalMemoryMB: 2048, TotalCPUPercent: 50}, sysprobe.Usage{CPUPercent: 51}, "cpu"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			m := newMonitor(t, root, "w1", testsupport.NewSampler(tc.usage), clock, resource.WithLimits(resource.Limits{}))
			if _, err := m.Sample(ctx); err != nil {
				t.Fatalf("Sample: %v", err)
			}
			g := resource.NewGlobal(root, resource.WithGlobalLimits(tc.limits), resource.WithGlobalClock(clock.Now))
			ok, reason, err := g.CanStartWorker()
			if err != nil {
				t.Fatalf("CanStartWorker: %v", err)
			}
			if ok || !strings.Contains(reason, tc.want) {
				t.Fatalf("expected refusal mentioning %q, got ok=%v reason=%q", tc.want, ok, reason)
			}
		})
	}
}

func TestRunSamplesUntilCancelled(t *testing.T) {
	root := t.TempDir()
	clock := testsupport.NewClock(time.Time{})
	m := newMonitor(t, root, "w1", testsupport.NewSampler(mem(10)), clock, resource.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Samples < 3 {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, resource.DirName, "w1"+resource.SnapshotSuffix)); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
}
