// Package manager owns tool-server lifecycles.
//
// # Start
//
// All starts, for any server, are serialized by one global mutex. This
// over-serializes deliberately: it makes duplicate-process races impossible
// at the cost of a little throughput. A stdio server with a persisted pid
// that still carries the process marker reports AlreadyRunning instead of
// spawning again. Failures return a StartError carrying the per-server log
// path and register nothing.
//
// # Stop
//
// Registry removal happens before teardown so concurrent health checks stop
// seeing the handle first. The child gets SIGTERM, a grace period, then
// SIGKILL.
//
// # Reconcile
//
// On startup the manager verifies every enabled server's persisted runtime
// state against observed liveness (bounded concurrency), corrects stale
// rows, and best-effort auto-starts enabled system servers.
package manager
