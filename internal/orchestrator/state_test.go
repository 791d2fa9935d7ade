package orchestrator

import (
	"testing"

	"loom/internal/workpkg"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitializing, StateReady, true},
		{StateReady, StateRunning, true},
		{StateRunning, StateSynthesizing, true},
		{StateSynthesizing, StateRunning, true},
		{StateSynthesizing, StateCompleting, true},
		{StateRunning, StateCompleting, true},
		{StateCompleting, StateCompleted, true},
		{StateReady, StateError, true},
		{StateCompleting, StateError, true},
		{StateInitializing, StateRunning, false},
		{StateCompleted, StateRunning, false},
		{StateCompleted, StateError, false},
		{StateError, StateError, false},
		{StateRunning, StateCompleted, false},
	}
	for _, tc := range tests {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestWorkerTypeFor(t *testing.T) {
	tests := []struct {
		spec workpkg.PackageSpec
		want string
	}{
		{workpkg.PackageSpec{Type: "research"}, TypeAnalyst},
		{workpkg.PackageSpec{Type: "Refactor"}, TypeDeveloper},
		{workpkg.PackageSpec{Type: "security"}, TypeReviewer},
		{workpkg.PackageSpec{Type: "merge"}, TypeSynthesis},
		{workpkg.PackageSpec{Type: "general", Complexity: workpkg.Complex}, TypeAnalyst},
		{workpkg.PackageSpec{Type: "general", Complexity: workpkg.Medium}, TypeDeveloper},
	}
	for _, tc := range tests {
		if got := WorkerTypeFor(tc.spec); got != tc.want {
			t.Errorf("WorkerTypeFor(%+v) = %q, want %q", tc.spec, got, tc.want)
		}
	}
}

func TestSynthesisWorkersOnlyTakeSynthesisPackages(t *testing.T) {
	if compatible(TypeSynthesis, workpkg.PackageSpec{Type: "implement"}) {
		t.Fatal("synthesis worker accepted an implementation package")
	}
	if !compatible(TypeSynthesis, workpkg.PackageSpec{Type: "integrate"}) {
		t.Fatal("synthesis worker rejected an integration package")
	}
	if !compatible(TypeReviewer, workpkg.PackageSpec{Type: "implement"}) {
		t.Fatal("reviewer rejected a package outside its specialty")
	}
}

func TestTimingOf(t *testing.T) {
	got := timingOf([]float64{3, 1, 2})
	if got.AverageSeconds != 2 || got.MinSeconds != 1 || got.MaxSeconds != 3 {
		t.Fatalf("unexpected timing %+v", got)
	}
	if zero := timingOf(nil); zero != (Timing{}) {
		t.Fatalf("expected zero timing, got %+v", zero)
	}
}
