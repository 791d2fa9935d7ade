package worker_test

import (
	"context"
	"strings"
	"testing"

	"loom/internal/worker"
	"loom/internal/workpkg"
)

func TestCommandExecutorCapturesResult(t *testing.T) {
	task := worker.Task{
		PackageSpec: workpkg.PackageSpec{
			ID:      "wp_cmd",
			Type:    "implement",
			Command: []string{"sh", "-c", `printf '{"proposal":{"claims":["%s"]}}' "$LOOM_PACKAGE_ID"`},
		},
		WorkerID: "developer-9",
	}
	result, err := worker.CommandExecutor{}.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result["exit_code"] != 0 {
		t.Fatalf("expected exit 0, got %v", result["exit_code"])
	}
	if _, ok := result["duration_ms"].(int64); !ok {
		t.Fatalf("expected duration_ms, got %T", result["duration_ms"])
	}
	proposal, ok := result["proposal"].(map[string]any)
	if !ok {
		t.Fatalf("expected proposal in result: %+v", result)
	}
	claims, _ := proposal["claims"].([]any)
	if len(claims) != 1 || claims[0] != "wp_cmd" {
		t.Fatalf("unexpected claims: %v", proposal["claims"])
	}
}

func TestCommandExecutorReportsExitCode(t *testing.T) {
	task := worker.Task{PackageSpec: workpkg.PackageSpec{ID: "wp_fail", Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}}
	result, err := worker.CommandExecutor{}.Execute(context.Background(), task)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if result["exit_code"] != 3 {
		t.Fatalf("expected exit 3, got %v", result["exit_code"])
	}
	if !strings.Contains(err.Error(), "boom") || result["stderr"] != "boom" {
		t.Fatalf("expected stderr in error and result: %v / %+v", err, result)
	}
}

func TestCommandExecutorRequiresCommand(t *testing.T) {
	if _, err := (worker.CommandExecutor{}).Execute(context.Background(), worker.Task{PackageSpec: workpkg.PackageSpec{ID: "x"}}); err == nil {
		t.Fatalf("expected missing command error")
	}
}
