// Command loom runs and inspects filesystem-coordinated worker orchestrations.
//
// `loom run plan.toml` takes the coordinator lock on the root and executes a
// plan, spawning `loom worker` processes. The remaining commands read or
// repair the shared state under the root: workers, locks, messages, resource
// usage, conflicts and the run ledger.
package main
