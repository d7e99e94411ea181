// Package journal keeps a SQLite audit log of binary manager activity.
//
// Every boot gets a row keyed by its boot id; transitions, loading outcomes
// and fault handling results are appended under it. The journal is write
// mostly: nothing in the manager reads it back, and the in-memory tables are
// always rebuilt from storage at boot.
//
// # Ordering
//
// Transitions are keyed by (boot_id, seq), where seq is the registry's
// logical clock, and are always read back ORDER BY seq ASC. Outcomes and
// faults use an autoincrement id in insertion order. No wall-clock time is
// stored.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: 5-second wait for locks
//   - foreign_keys=ON: rows must belong to a recorded boot
package journal
