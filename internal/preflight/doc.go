// Package preflight provides readiness checks for the coordination root and
// the tools a run depends on.
//
// These checks run in two contexts:
//   - `loom run` calls RunAll before taking the coordinator lock. If any
//     required check fails the run is refused.
//   - `loom status` uses the same results to display root health.
package preflight
