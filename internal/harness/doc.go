// Package harness runs multi-peer lag scenarios and checks that every
// peer converges on the state a single lag-free engine would reach.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: late_decrement
//	description: "A decrement reaches a peer after a later increment"
//	seed: 7
//	lag: 1                # default link delay in steps
//	links:                # per-link overrides
//	  - from: b
//	    to: a
//	    lag: 4
//	peers:
//	  - name: a           # player 0, starts at step 0
//	  - name: b
//	    join: 3           # starts at step 3 and bootstraps from a snapshot
//	signals:
//	  - step: 0
//	    peer: a
//	    global: 1
//	    target: registry
//	    op: tally.spawn
//	    args: { name: score }
//	  - step: 4
//	    peer: b
//	    global: 10
//	    target: counter:0.0
//	    op: tally.decrement
//	    args: { by: 2 }
//	assertions:
//	  - type: converged
//	  - type: matches_reference
//	  - type: total
//	    counter: score
//	    expect: -2
//
// Players are the peers in listed order. Targets are "registry" or
// "counter:<value>.<generation>", the allocator identity of a counter.
//
// # Assertion Types
//
//   - converged: every peer has the same state digest
//   - matches_reference: every peer equals one engine fed all signals
//   - total: a counter total on one peer, or on all peers if peer is empty
//   - rewound: a peer undid at least min commands over the run
//   - timeline: a peer holds exactly expect commands
//   - replays: rebuilding a peer from its journal reproduces its state
//
// # Deterministic Execution
//
// Peers share a fake wall clock and an in-memory network with manual
// delivery, and join through Start plus Update rather than a blocking
// Join. Every peer journals into one in-memory store. Each step starts due peers, sends due signals, advances the
// network by one step and updates every peer, in that order. Reports are
// therefore byte-identical across runs and are compared against golden
// files.
package harness
