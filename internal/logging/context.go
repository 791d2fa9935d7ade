package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldWorkerID identifies the worker a line concerns.
	FieldWorkerID = "worker_id"
	// FieldWorkerType carries the worker's declared type.
	FieldWorkerType = "worker_type"
	// FieldPackageID identifies a work package.
	FieldPackageID = "package_id"
	// FieldResource names a locked resource.
	FieldResource = "resource"
	// FieldMessageID identifies a bus message.
	FieldMessageID = "message_id"
	// FieldMessageType carries a bus message type.
	FieldMessageType = "message_type"
	// FieldConflictID identifies a detected conflict.
	FieldConflictID = "conflict_id"
	// FieldState carries an orchestrator state name.
	FieldState = "state"
	// FieldEventType classifies warnings and errors for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step for an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey string

const (
	workerIDKey  contextKey = "worker_id"
	packageIDKey contextKey = "package_id"
)

// WithWorkerID annotates ctx with a worker identifier.
func WithWorkerID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, workerIDKey, id)
}

// WithPackageID annotates ctx with a work package identifier.
func WithPackageID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, packageIDKey, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if id, ok := ctx.Value(workerIDKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldWorkerID, id))
	}
	if id, ok := ctx.Value(packageIDKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldPackageID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	logger = OrNop(logger)
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
