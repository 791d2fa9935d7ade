package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"loom/internal/coorderr"
	"loom/internal/workpkg"
)

// maxCapturedOutput bounds how much stdout or stderr a result carries.
const maxCapturedOutput = 64 << 10

// Task is one assignment handed to an Executor.
type Task struct {
	workpkg.PackageSpec
	WorkerID   string
	WorkerType string
}

// Executor performs a task and returns its result payload.
type Executor interface {
	Execute(ctx context.Context, task Task) (map[string]any, error)
}

// FuncExecutor adapts a function to Executor.
type FuncExecutor func(ctx context.Context, task Task) (map[string]any, error)

// Execute calls f.
func (f FuncExecutor) Execute(ctx context.Context, task Task) (map[string]any, error) {
	return f(ctx, task)
}

// CommandExecutor runs a task's command as a child process.
//
// The child sees LOOM_PACKAGE_ID, LOOM_PACKAGE_TYPE, LOOM_WORKER_ID and
// LOOM_WORKER_TYPE in its environment. When stdout is a JSON object with a
// "proposal" key, the proposal is attached to the result for synthesis.
type CommandExecutor struct {
	// Dir is the working directory. Empty means the worker's own.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Execute runs task.Command and reports exit_code, output and duration_ms.
func (e CommandExecutor) Execute(ctx context.Context, task Task) (map[string]any, error) {
	if len(task.Command) == 0 {
		return nil, coorderr.Wrap(coorderr.ErrValidation, "worker", "execute", fmt.Sprintf("package %s has no command", task.ID), nil)
	}
	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...) //nolint:gosec
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(),
		"LOOM_PACKAGE_ID="+task.ID,
		"LOOM_PACKAGE_TYPE="+task.Type,
		"LOOM_WORKER_ID="+task.WorkerID,
		"LOOM_WORKER_TYPE="+task.WorkerType,
	)
	cmd.Env = append(cmd.Env, e.Env...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	result := map[string]any{
		"exit_code":   exitCode(cmd, runErr),
		"output":      truncate(strings.TrimSpace(stdout.String())),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		result["stderr"] = truncate(errOut)
	}
	if proposal, ok := parseProposal(stdout.Bytes()); ok {
		result["proposal"] = proposal
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %s interrupted: %w", task.Command[0], ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return result, fmt.Errorf("command %s failed (exit %d): %s", task.Command[0], result["exit_code"], lastLine(detail))
	}
	return result, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func parseProposal(stdout []byte) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var envelope struct {
		Proposal map[string]any `json:"proposal"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Proposal == nil {
		return nil, false
	}
	return envelope.Proposal, true
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[len(s)-maxCapturedOutput:]
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
