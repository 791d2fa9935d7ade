// Package coorderr defines the coordination error taxonomy shared by every
// loom component, plus helpers that attach component context while keeping the
// marker available to errors.Is.
package coorderr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLockTimeout           = errors.New("lock timeout")
	ErrStaleLockReclaimed    = errors.New("stale lock reclaimed")
	ErrDependencyTimeout     = errors.New("dependency timeout")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrConflictUnresolved    = errors.New("conflict unresolved")
	ErrMessageHandler        = errors.New("message handler error")
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrTransient             = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps err to a stable snake_case label for reports and the run ledger.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrStaleLockReclaimed):
		return "stale_lock_reclaimed"
	case errors.Is(err, ErrDependencyTimeout):
		return "dependency_timeout"
	case errors.Is(err, ErrResourceLimitExceeded):
		return "resource_limit_exceeded"
	case errors.Is(err, ErrConflictUnresolved):
		return "conflict_unresolved"
	case errors.Is(err, ErrMessageHandler):
		return "message_handler_error"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "failure"
	}
}

// Retryable reports whether the failure is expected to clear on its own.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrResourceLimitExceeded)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "coordination failure"
	}
	return strings.Join(parts, ": ")
}
