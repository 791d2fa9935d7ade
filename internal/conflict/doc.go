// Package conflict detects and resolves clashes between the changes that
// several workers propose for the same cycle.
//
// Detect is a pure function over a set of proposals. Resolve dispatches each
// conflict through a fixed strategy table, queues deferred operations under
// conflicts/queue_<worker>.json, and appends every outcome to the capped audit
// log at conflicts/conflict-log.json. Versions provides compare-and-bump file
// versions under file-versions/ for optimistic edits.
package conflict
