// Package orchestrator drives a run: it takes a dependency graph of work
// packages and assigns them to a bounded pool of workers.
//
// The orchestrator is a state machine (initializing, ready, running,
// synthesizing, completing, completed, plus error). Execute runs a
// cooperative loop that reclaims packages from lost workers, fails packages
// whose dependencies failed or stalled, assigns ready packages by complexity
// to idle workers of the preferred type (spawning new ones while the pool and
// the global resource gate allow), and periodically hands completed results
// to a Synthesizer. Workers report back over the message bus. The final
// Report is written to reports/<id>.json and to the run ledger.
package orchestrator
