// Package sysprobe isolates the operating-system probes loom depends on:
// whether a process id is still alive, and point-in-time resource usage of a
// process (resident memory, cpu share, open descriptors, threads, io bytes).
//
// Linux reads /proc; other unix systems fall back to getrusage for the calling
// process. Callers depend on the Sampler interface so tests can substitute
// synthetic readings.
package sysprobe
