// Package resource samples per-worker process usage, enforces limits through a
// throttle window, and aggregates the usage snapshots every worker publishes
// under monitoring/ into a global view used for admission decisions.
package resource
