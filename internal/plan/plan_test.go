package plan_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/plan"
	"loom/internal/workpkg"
)

const samplePlanTOML = `name = "refactor-auth"

[[packages]]
id = "analyze"
type = "analysis"
complexity = "complex"
command = ["sh", "-c", "echo analyze"]

[[packages]]
id = "implement"
type = "implement"
complexity = 2
dependencies = ["analyze"]

[[packages]]
description = "generated id"
type = "review"
dependencies = ["implement"]
`

const samplePlanYAML = `packages:
  - id: analyze
    type: research
    complexity: critical
  - id: fix
    type: fix
    complexity: 1
    dependencies: [analyze]
`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadTOMLPlan(t *testing.T) {
	p, err := plan.Load(writePlan(t, "auth.toml", samplePlanTOML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "refactor-auth" || len(p.Packages) != 3 {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if p.Packages[0].Complexity != workpkg.Complex || p.Packages[1].Complexity != workpkg.Medium {
		t.Fatalf("unexpected complexities: %v %v", p.Packages[0].Complexity, p.Packages[1].Complexity)
	}
	if len(p.Packages[0].Command) != 3 {
		t.Fatalf("expected command argv, got %v", p.Packages[0].Command)
	}
	if !strings.HasPrefix(p.Packages[2].ID, "wp_") {
		t.Fatalf("expected generated id, got %q", p.Packages[2].ID)
	}
}

func TestLoadYAMLPlanDefaultsName(t *testing.T) {
	p, err := plan.Load(writePlan(t, "nightly.yml", samplePlanYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "nightly" {
		t.Fatalf("expected name from file, got %q", p.Name)
	}
	if p.Packages[0].Complexity != workpkg.Critical || p.Packages[1].Complexity != workpkg.Simple {
		t.Fatalf("unexpected complexities: %+v", p.Packages)
	}
	if p.Packages[1].Dependencies[0] != "analyze" {
		t.Fatalf("unexpected dependencies: %v", p.Packages[1].Dependencies)
	}
}

func TestInvalidPlans(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{"empty", "p.toml", "  \n"},
		{"no packages", "p.toml", `name = "x"`},
		{"duplicate", "p.yaml", "packages:\n  - id: a\n  - id: a\n"},
		{"unknown dep", "p.yaml", "packages:\n  - id: a\n    dependencies: [b]\n"},
		{"cycle", "p.yaml", "packages:\n  - id: a\n    dependencies: [b]\n  - id: b\n    dependencies: [a]\n"},
		{"bad complexity", "p.toml", "[[packages]]\nid = \"a\"\ncomplexity = \"enormous\"\n"},
		{"extension", "p.json", `{"packages": []}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := plan.Load(writePlan(t, tc.file, tc.content))
			if !errors.Is(err, plan.ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestGraphErrorsStayClassified(t *testing.T) {
	_, err := plan.Parse([]byte("packages:\n  - id: a\n    dependencies: [a]\n"), plan.FormatYAML)
	if !errors.Is(err, workpkg.ErrInvalidGraph) {
		t.Fatalf("expected graph error to be wrapped, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := plan.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
