// Package plan loads orchestration plans from TOML or YAML files.
//
// A plan names a run and lists its work packages. Loading validates the
// dependency graph so a malformed plan fails before any worker is spawned.
package plan
