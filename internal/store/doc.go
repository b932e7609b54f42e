// Package store is the SQLite journal behind a peer.
//
// It records two things per member:
//   - Commands: every command the member executed, authored or received
//   - Snapshots: every snapshot the member restored while joining
//
// Together they are enough to rebuild the member's state offline with
// Replay, which is what the inspect and replay commands do.
//
// # Invariants
//
// Commands are keyed by (member, time). Writing the same command twice
// is a no-op (ON CONFLICT DO NOTHING), so re-journaling after a crash or
// journaling a command that also arrived inside a snapshot is harmless.
//
// Reads order commands by time key fields, never by recorded_at. The
// engine reorders by its own tie-break anyway; a stable read order keeps
// inspect output reproducible.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
