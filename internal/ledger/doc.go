// Package ledger keeps a historical record of orchestration runs in SQLite.
//
// The ledger lives at <root>/ledger.db. It stores each run's lifecycle and
// final report plus the last known state of every work package. It is written
// by the orchestrator and read by the CLI; cross-process coordination never
// depends on it, since the lock-guarded files under the root remain the source
// of truth while a run is in progress.
package ledger
