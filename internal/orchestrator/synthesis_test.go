package orchestrator_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"loom/internal/conflict"
	"loom/internal/lock"
	"loom/internal/orchestrator"
	"loom/internal/workpkg"
)

func contribution(id, workerID, workerType string, seq int, proposal map[string]any) orchestrator.Contribution {
	done := time.Date(2026, 1, 2, 3, 4, seq, 0, time.UTC)
	pkg := workpkg.WorkPackage{
		PackageSpec:    workpkg.PackageSpec{ID: id},
		AssignedWorker: workerID,
		Status:         workpkg.StatusCompleted,
		CompletedAt:    &done,
	}
	if proposal != nil {
		pkg.Result = map[string]any{"proposal": proposal}
	}
	return orchestrator.Contribution{Package: pkg, WorkerType: workerType}
}

func edit(path string, start, end int, content string) map[string]any {
	return map[string]any{"file_edits": []any{map[string]any{"path": path, "start_line": start, "end_line": end, "content": content}}}
}

func TestConflictSynthesizerHoldsUnresolvedWorkers(t *testing.T) {
	root := t.TempDir()
	locks, err := lock.New(root, "synth-test", lock.WithPollInterval(2*time.Millisecond))
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	resolver, err := conflict.New(root, locks)
	if err != nil {
		t.Fatalf("conflict.New: %v", err)
	}
	synth := orchestrator.ConflictSynthesizer{Resolver: resolver}

	out, err := synth.Synthesize(context.Background(), []orchestrator.Contribution{
		contribution("wp1", "analyst-1", "analyst", 1, edit("a.go", 1, 10, "type A struct{}")),
		contribution("wp2", "developer-1", "developer", 2, edit("a.go", 5, 12, "type B struct{}")),
		contribution("wp3", "reviewer-1", "reviewer", 3, edit("b.go", 0, 0, "package b")),
		contribution("wp4", "reviewer-1", "reviewer", 4, nil),
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out.Conflicts != 1 {
		t.Fatalf("expected one conflict, got %d", out.Conflicts)
	}
	if !reflect.DeepEqual(out.Unresolved, []string{"wp1", "wp2"}) {
		t.Fatalf("unexpected unresolved %v", out.Unresolved)
	}
	if !reflect.DeepEqual(out.Merged, []string{"wp3", "wp4"}) {
		t.Fatalf("unexpected merged %v", out.Merged)
	}
	if len(out.Outcomes) != 1 || out.Outcomes[0].Winner != "developer-1" {
		t.Fatalf("expected developer edit selected, got %+v", out.Outcomes)
	}
	stats, err := resolver.Stats()
	if err != nil || stats.Total != 1 {
		t.Fatalf("expected conflict logged, stats %+v err %v", stats, err)
	}
}

func TestConflictSynthesizerMergesWithoutConflicts(t *testing.T) {
	out, err := orchestrator.ConflictSynthesizer{}.Synthesize(context.Background(), []orchestrator.Contribution{
		contribution("wp2", "developer-1", "developer", 1, edit("a.go", 1, 2, "x")),
		contribution("wp1", "developer-2", "developer", 2, edit("a.go", 1, 2, "y")),
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !reflect.DeepEqual(out.Merged, []string{"wp1", "wp2"}) || out.Conflicts != 0 {
		t.Fatalf("expected plain merge without a resolver, got %+v", out)
	}
}
