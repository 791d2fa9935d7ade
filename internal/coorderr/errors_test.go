package coorderr_test

import (
	"errors"
	"strings"
	"testing"

	"loom/internal/coorderr"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := coorderr.Wrap(coorderr.ErrLockTimeout, "lock", "acquire", "registry", base)
	if !errors.Is(err, coorderr.ErrLockTimeout) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"lock", "acquire", "registry", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := coorderr.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, coorderr.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "coordination failure") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"lock", coorderr.Wrap(coorderr.ErrLockTimeout, "lock", "acquire", "", nil), "lock_timeout"},
		{"dependency", coorderr.ErrDependencyTimeout, "dependency_timeout"},
		{"conflict", coorderr.Wrap(coorderr.ErrConflictUnresolved, "conflict", "resolve", "", nil), "conflict_unresolved"},
		{"other", errors.New("x"), "failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := coorderr.Kind(tc.err); got != tc.want {
				t.Fatalf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !coorderr.Retryable(coorderr.Wrap(coorderr.ErrLockTimeout, "lock", "", "", nil)) {
		t.Fatal("expected lock timeout to be retryable")
	}
	if coorderr.Retryable(coorderr.ErrValidation) {
		t.Fatal("expected validation error to be terminal")
	}
}
