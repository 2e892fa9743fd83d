// Package control
// Author: momentics <momentics@gmail.com>
//
// Hot-reload, runtime metrics, configuration control, and debug
// introspection layer, plus the process-wide reactor ownership
// registry backing "one reactor per thread" (spec.md §4.4, §9).
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable snapshot config reads and atomic updates
//   - Runtime observers for hot-reload
//   - Metrics telemetry contracts
//   - State export, debug hooks, and probe registration
//   - Per-goroutine reactor ownership tracking (LoopRegistry)
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
