package main

import (
	"fmt"
	"strings"
	"testing"

	"loom/internal/coordinator"
	"loom/internal/coorderr"
	"loom/internal/plan"
)

func TestRenderTableAlignsNumericColumns(t *testing.T) {
	out := renderTable([]string{"Worker", "Tasks"}, [][]string{{"developer-1", "7"}, {"reviewer-2", "12"}}, nil)
	lines := strings.Split(out, "\n")
	var row string
	for _, line := range lines {
		if strings.Contains(line, "developer-1") {
			row = line
		}
	}
	if !strings.Contains(row, "   7 │") {
		t.Fatalf("expected numeric column right-aligned, got %q", row)
	}
}

func TestRenderTableTruncatesLongCells(t *testing.T) {
	long := strings.Repeat("x", maxCellWidth+20)
	out := renderTable([]string{"Error"}, [][]string{{long}}, nil)
	if strings.Contains(out, long) {
		t.Fatal("expected long cell to be truncated")
	}
	if !strings.Contains(out, "…") {
		t.Fatalf("expected ellipsis in %q", out)
	}
}

func TestInspectionJSONPrintsEmptyList(t *testing.T) {
	env := setupCLITestEnv(t)
	for _, args := range [][]string{
		{"workers", "list", "--json"},
		{"locks", "list", "--json"},
		{"runs", "list", "--json"},
	} {
		out, _, err := runCLI(t, args, env.configPath)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if strings.TrimSpace(out) != "[]" {
			t.Fatalf("%v: expected [], got %q", args, out)
		}
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", plan.ErrInvalidPlan), exitInvalidInput},
		{coorderr.Wrap(coorderr.ErrValidation, "orchestrator", "execute", "cycle", nil), exitInvalidInput},
		{coordinator.ErrAlreadyRunning, exitNotReady},
		{fmt.Errorf("%w: disk", errPreflightFailed), exitNotReady},
		{fmt.Errorf("%w: 1 of 3", errPackagesFailed), exitRunFailed},
		{fmt.Errorf("boom"), exitFailure},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
