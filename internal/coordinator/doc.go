// Package coordinator runs one orchestration per coordination root.
//
// A coordinator holds an exclusive flock on <root>/coordinator.lock for the
// lifetime of a run, wires the lock manager, registry, message bus, resource
// monitor, conflict resolver and ledger to an orchestrator, and keeps the
// registry sweep and lock/broadcast housekeeping running alongside it.
package coordinator
