// Package worker hosts the runtime every worker process (or in-process worker
// goroutine) runs.
//
// A Runtime registers itself, heartbeats, samples its own resource usage and
// consumes task_assignment messages from its bus directory. Each task runs
// through an Executor; the outcome is published back to the orchestrator as
// task_complete or task_failed. Construction is explicit: the caller supplies
// the lock manager, registry, bus and monitor, or uses NewFromConfig to build
// them for one worker identity.
package worker
