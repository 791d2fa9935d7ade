// Package registry tracks live workers on the coordination root.
//
// Active workers live in registry/active-workers.json and lifecycle events in
// registry/worker-history.json. Every mutation is a read-modify-write under the
// "registry" lock, so concurrent processes never lose each other's updates.
// A worker whose last heartbeat is older than the liveness timeout is not
// reported as active, and the background sweep removes it with a timeout event.
package registry
