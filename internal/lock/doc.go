// Package lock provides cross-process mutual exclusion over named resources
// using lock files on the shared coordination root.
//
// A lock is a JSON file at locks/<resource>.lock created with an exclusive
// create. Contenders poll until the holder releases, the lock goes stale (it
// exceeded its staleness window, its holder pid is dead, or the file cannot be
// read), or their timeout elapses. Stale locks are reclaimed while holding
// locks/<resource>.lock.reclaim, a guard file that serialises reclaimers. The
// lock is re-read under the guard and removed only if it is still the one
// judged stale.
//
// Locks are not reentrant: a second acquisition of a held resource waits like
// any other contender, which keeps goroutines sharing a Manager mutually
// exclusive as well.
package lock
