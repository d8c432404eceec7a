// Package coordinator implements the sync coordinator of an exporter.
//
// A coordinator owns the snapshot of one remote target: the metadata row plus
// an append-only mirror of every item record exported so far. Each call to
// Refresh runs one cycle:
//
//  1. Provisioning (first cycle only): make sure the metadata row exists and
//     is marked provisioned, using a bounded read/write/re-read loop.
//  2. Baseline fetch (first successful pass only): load the existing item
//     history into the mirror.
//  3. Per-item sync: for every tracked item, in configuration order, read the
//     current state from the source, compare it with the latest remote row
//     and append a new row when it changed.
//
// # Resume points
//
// Provisioning and the baseline fetch each set a flag once they succeed. A
// failing cycle keeps the flags it reached, so the next cycle resumes at the
// step that failed instead of starting over.
//
// # Publication
//
// The snapshot is published atomically at the end of a successful cycle. A
// failed cycle publishes nothing and Snapshot keeps returning the previous
// snapshot. Inserts confirmed by the remote store before a failure stay in the
// working mirror and are published, once, by the next successful cycle.
//
// # Concurrency
//
// Refresh is not reentrant; the scheduler in internal/sync/scheduler runs it
// from a single goroutine. Snapshot may be called concurrently with Refresh.
//
// # Errors
//
// Every failure is returned as an *UpdateError wrapping ErrUpdateFailed and
// the cause (remote errors, malformed rows, source errors). Cycles that run
// past their timeout additionally match ErrCycleTimeout.
package coordinator
