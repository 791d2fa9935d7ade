package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"

	"loom/internal/coordinator"
	"loom/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckCoordinatorIdle(t *testing.T) {
	root := t.TempDir()
	if result := CheckCoordinatorIdle(root); !result.Passed {
		t.Fatalf("expected free lock, got: %s", result.Detail)
	}
	holder := flock.New(filepath.Join(root, coordinator.LockFileName))
	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer holder.Unlock()
	if result := CheckCoordinatorIdle(root); result.Passed {
		t.Fatal("expected held lock to fail the check")
	}
}

func TestCheckBinary(t *testing.T) {
	present := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	if result := CheckBinary("present", present); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckBinary("missing", "clearly-not-present-binary"); result.Passed {
		t.Fatal("expected failure for missing binary")
	}
	if result := CheckBinary("empty", " "); result.Passed {
		t.Fatal("expected failure for empty command")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_FreshRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := RunAll(context.Background(), cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_IncludesWorkerBinaryWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Worker.Binary = "clearly-not-present-binary"
	results := RunAll(context.Background(), cfg)
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Worker binary" {
		t.Fatalf("expected worker binary failure, got %+v", failed)
	}
}
