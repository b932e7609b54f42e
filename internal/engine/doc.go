// Package engine bundles the reconciliation machinery of one peer.
//
// An Engine owns the identity allocator, the shared random stream, the
// local-sequence scope table, the entity index and the reconciling
// coordinator, all sized for a fixed number of players. It authors local
// commands, accepts remote ones, and saves or restores snapshots.
//
// ARCHITECTURE:
//
// Single writer: nothing in this package locks. The peer layer calls into
// an Engine from exactly one goroutine at a time; network goroutines never
// touch it.
//
// Command flow:
//  1. Signal stamps a local command with (global, player, next local) and
//     hands it to the coordinator.
//  2. Receive / ReceiveAll place remote commands on the timeline; a
//     command in the past rewinds and replays the later suffix.
//  3. Consolidate drops history no peer can still roll back past.
//
// Determinism:
// Every source of identity and randomness used inside command evaluation
// comes from the allocators, whose draws are undone and replayed with the
// commands. No wall clock is read during evaluation.
package engine
