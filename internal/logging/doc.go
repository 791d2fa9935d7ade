// Package logging assembles structured slog loggers and formatting helpers used
// across loom components.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker code can tag log lines
// with worker, work package, and message identifiers. A no-op logger is
// provided for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every process
// sharing a coordination root emits lines with the same shape.
package logging
