// Package registry owns the binary table: the reserved common-library slot,
// the user binary slots and the kernel partition table.
//
// The Registry is pure bookkeeping. It never starts goroutines and never
// calls collaborators; transitions it accepts are handed back to the caller
// as a Change so the caller can journal and notify outside the lock.
//
// # Concurrency
//
// Every mutation runs under the registry mutex, which plays the role of the
// preemption-disabled in-place edit on the target. Readers get deep copies;
// those snapshots may be stale by the time they are used, so callers
// re-validate through Transition's compare-and-set before acting.
//
// # Invariants
//
//   - Slot 0 is the common library and is never unregistered.
//   - Names are unique across registered slots (exact match).
//   - A bin id is held by at most one slot at a time.
//   - Capacities are fixed at New and never grow.
package registry
