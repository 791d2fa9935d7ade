// Package config loads, normalizes, and validates loom configuration data.
//
// It supplies defaults for every coordination tunable (lock staleness, worker
// liveness, bus polling, resource ceilings, orchestrator pacing), expands user
// paths including tilde shortcuts, reads TOML files, and honours the LOOM_ROOT
// environment override for the coordination root.
//
// Always obtain settings through this package so workers and the orchestrator
// sharing a root agree on the same timing windows.
package config
