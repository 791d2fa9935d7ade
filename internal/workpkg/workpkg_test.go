package workpkg_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"loom/internal/workpkg"
)

func TestParseComplexity(t *testing.T) {
	cases := []struct {
		raw  string
		want workpkg.Complexity
		ok   bool
	}{
		{"trivial", workpkg.Trivial, true},
		{" Critical ", workpkg.Critical, true},
		{"3", workpkg.Complex, true},
		{"", workpkg.Trivial, true},
		{"5", 0, false},
		{"huge", 0, false},
	}
	for _, tc := range cases {
		got, err := workpkg.ParseComplexity(tc.raw)
		if tc.ok && err != nil {
			t.Fatalf("ParseComplexity(%q) failed: %v", tc.raw, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseComplexity(%q) expected error", tc.raw)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("ParseComplexity(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestComplexityDecodesNamesAndNumbers(t *testing.T) {
	var fromJSON []workpkg.Complexity
	if err := json.Unmarshal([]byte(`["medium", 4]`), &fromJSON); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if fromJSON[0] != workpkg.Medium || fromJSON[1] != workpkg.Critical {
		t.Fatalf("unexpected json values: %v", fromJSON)
	}

	var fromYAML struct {
		A workpkg.Complexity `yaml:"a"`
		B workpkg.Complexity `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: simple\nb: 3\n"), &fromYAML); err != nil {
		t.Fatalf("yaml decode failed: %v", err)
	}
	if fromYAML.A != workpkg.Simple || fromYAML.B != workpkg.Complex {
		t.Fatalf("unexpected yaml values: %+v", fromYAML)
	}

	encoded, err := json.Marshal(workpkg.Complex)
	if err != nil {
		t.Fatalf("json encode failed: %v", err)
	}
	if string(encoded) != `"complex"` {
		t.Fatalf("expected name encoding, got %s", encoded)
	}
}

func TestPayloadRoundTripsThroughDecode(t *testing.T) {
	spec := workpkg.PackageSpec{ID: "wp1", Type: "implement", Complexity: workpkg.Complex, Dependencies: []string{"wp0"}, Command: []string{"true"}}
	payload := spec.Payload()
	if payload["complexity"] != "complex" {
		t.Fatalf("expected complexity name in payload, got %v", payload["complexity"])
	}
	data, _ := json.Marshal(payload)
	var back workpkg.PackageSpec
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if back.ID != "wp1" || back.Complexity != workpkg.Complex || len(back.Dependencies) != 1 || back.Command[0] != "true" {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}

func TestAssignIDsNormalizes(t *testing.T) {
	specs := workpkg.AssignIDs([]workpkg.PackageSpec{
		{ID: " a ", Type: " Implement", Dependencies: []string{" ", "b"}},
		{},
	})
	if specs[0].ID != "a" || specs[0].Type != "implement" || len(specs[0].Dependencies) != 1 {
		t.Fatalf("unexpected normalization: %+v", specs[0])
	}
	if !strings.HasPrefix(specs[1].ID, "wp_") || len(specs[1].ID) != len("wp_")+8 {
		t.Fatalf("unexpected generated id %q", specs[1].ID)
	}
	if specs[1].Type != "general" {
		t.Fatalf("expected default type, got %q", specs[1].Type)
	}
}

func TestValidateGraph(t *testing.T) {
	cases := []struct {
		name  string
		specs []workpkg.PackageSpec
		want  string
	}{
		{"ok", []workpkg.PackageSpec{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}}, ""},
		{"duplicate", []workpkg.PackageSpec{{ID: "a"}, {ID: "a"}}, "duplicate"},
		{"unknown", []workpkg.PackageSpec{{ID: "a", Dependencies: []string{"z"}}}, "unknown package"},
		{"self", []workpkg.PackageSpec{{ID: "a", Dependencies: []string{"a"}}}, "itself"},
		{"cycle", []workpkg.PackageSpec{
			{ID: "a", Dependencies: []string{"c"}},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"b"}},
		}, "a -> c -> b -> a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := workpkg.ValidateGraph(tc.specs)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("expected valid graph: %v", err)
				}
				return
			}
			if !errors.Is(err, workpkg.ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}
