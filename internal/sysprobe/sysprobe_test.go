package sysprobe

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func TestProcessAliveSelf(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatal("expected current process to be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-4) {
		t.Fatal("expected non-positive pids to be reported dead")
	}
}

func TestProcessAliveReapedChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal-0 probe unavailable")
	}
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true unavailable: %v", err)
	}
	pid := cmd.Process.Pid
	if ProcessAlive(pid) {
		t.Fatalf("expected reaped child %d to be dead", pid)
	}
}

func TestProcessSamplerSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("full sampling only on linux")
	}
	s := NewProcessSampler(0)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	first, err := s.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if first.PID != os.Getpid() {
		t.Fatalf("unexpected pid %d", first.PID)
	}
	if first.MemoryMB <= 0 || first.NumThreads <= 0 || first.OpenFiles <= 0 {
		t.Fatalf("expected non-zero readings, got %+v", first)
	}
	if first.CPUPercent != 0 {
		t.Fatalf("first sample has no baseline, got cpu %.2f", first.CPUPercent)
	}

	s.now = func() time.Time { return base.Add(time.Second) }
	second, err := s.Sample()
	if err != nil {
		t.Fatalf("second Sample failed: %v", err)
	}
	if second.CPUPercent < 0 {
		t.Fatalf("cpu percent must not be negative, got %.2f", second.CPUPercent)
	}
}
