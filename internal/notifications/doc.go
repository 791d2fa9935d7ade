// Package notifications delivers run lifecycle events to ntfy.
//
// NewService returns a no-op service when no topic is configured, so callers
// publish unconditionally. Delivery failures are returned to the caller, which
// logs them; a lost notification never fails a run.
package notifications
