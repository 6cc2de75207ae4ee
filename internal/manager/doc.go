// Package manager owns the single in-process model and everything that touches it.
// It is structured into small files by concern:
//
//   - manager.go: Manager type, constructor, simple getters.
//   - config.go: Config, Requirements and package defaults; New applies defaults.
//   - types.go: lifecycle state and the Handle/Generation value types.
//   - errors.go: mapping runtime errors onto failure kinds.
//   - ensure.go: EnsureLoaded, version assertions and placement validation.
//   - generate.go: Generate with mandatory cache release.
//   - diagnostics.go: runtime/device snapshot logged around loads.
//   - ops.go: Warmup (background load).
//   - status.go: Status reporting.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// A Handle is created at most once per process. Load failures latch: every
// later EnsureLoaded returns the same error, and the caller is expected to stop
// the process. There is no unload path other than Close at exit.
package manager
