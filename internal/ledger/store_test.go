package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/ledger"
	"loom/internal/testsupport"
)

func TestRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.BeginRun(ctx, "orchestrator_a", "running", start); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.BeginRun(ctx, "orchestrator_b", "running", start.Add(500*time.Millisecond)); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.FinishRun(ctx, "orchestrator_a", "completed", start.Add(time.Minute), []byte(`{"ok":true}`), ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := store.FinishRun(ctx, "missing", "completed", start, nil, ""); err == nil {
		t.Fatal("expected error finishing an unknown run")
	}

	run, err := store.GetRun(ctx, "orchestrator_a")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run == nil || run.State != "completed" || run.ReportJSON != `{"ok":true}` || run.FinishedAt == nil {
		t.Fatalf("unexpected run %#v", run)
	}
	if !run.StartedAt.Equal(start) {
		t.Fatalf("started_at round trip: %s vs %s", run.StartedAt, start)
	}
	if missing, err := store.GetRun(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil run, got %#v err=%v", missing, err)
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "orchestrator_b" {
		t.Fatalf("expected newest run first, got %#v", runs)
	}
	if limited, _ := store.ListRuns(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestSavePackageNeverRegresses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := store.BeginRun(ctx, "run", "running", time.Now()); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	pkg := ledger.Package{RunID: "run", ID: "wp1", Type: "implement", Complexity: 2, Status: "pending"}
	if err := store.SavePackage(ctx, pkg); err != nil {
		t.Fatalf("SavePackage failed: %v", err)
	}
	pkg.Status = "in_progress"
	pkg.AssignedWorker = "developer-1"
	if err := store.SavePackage(ctx, pkg); err != nil {
		t.Fatalf("SavePackage failed: %v", err)
	}
	done := time.Now().UTC()
	pkg.Status = ledger.StatusCompleted
	pkg.ResultJSON = `{"exit_code":0}`
	pkg.CompletedAt = &done
	if err := store.SavePackage(ctx, pkg); err != nil {
		t.Fatalf("SavePackage failed: %v", err)
	}
	pkg.Status = "pending"
	pkg.AssignedWorker = ""
	if err := store.SavePackage(ctx, pkg); err != nil {
		t.Fatalf("SavePackage failed: %v", err)
	}

	pkgs, err := store.Packages(ctx, "run")
	if err != nil {
		t.Fatalf("Packages failed: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected one package, got %d", len(pkgs))
	}
	got := pkgs[0]
	if got.Status != ledger.StatusCompleted || got.AssignedWorker != "developer-1" || got.CompletedAt == nil {
		t.Fatalf("terminal status regressed: %#v", got)
	}
	if err := store.SavePackage(ctx, ledger.Package{RunID: "run"}); err == nil {
		t.Fatal("expected error for package without id")
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := ledger.Open(path); !errors.Is(err, ledger.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
