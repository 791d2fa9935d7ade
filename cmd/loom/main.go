package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"loom/internal/coordinator"
	"loom/internal/coorderr"
	"loom/internal/plan"
)

var (
	errPreflightFailed = errors.New("preflight failed")
	errPackagesFailed  = errors.New("packages failed")
)

// Exit codes let scripts tell a bad plan from an unready root or a failed run.
const (
	exitFailure      = 1
	exitInvalidInput = 2
	exitNotReady     = 3
	exitRunFailed    = 4
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "loom:", err)
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, plan.ErrInvalidPlan), errors.Is(err, coorderr.ErrValidation):
		return exitInvalidInput
	case errors.Is(err, coordinator.ErrAlreadyRunning), errors.Is(err, errPreflightFailed):
		return exitNotReady
	case errors.Is(err, errPackagesFailed):
		return exitRunFailed
	default:
		return exitFailure
	}
}
