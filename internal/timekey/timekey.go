// Package timekey defines the distributed timestamp used to place commands
// in one canonical order on every peer.
//
// A Key is a (global, player, local) triple. Global is a coarse logical
// clock shared loosely by all peers, Player identifies the author, and Local
// disambiguates commands a single author issues within one global tick.
//
// Ordering needs no coordination: given the same peer count, every peer
// computes the same result for Compare(a, b).
package timekey

import (
	"cmp"
	"fmt"
	"math"
)

// Key is the logical position of a command across all peers.
type Key struct {
	Global int64 `json:"g"`
	Player int32 `json:"p"`
	Local  int32 `json:"l"`
}

// Scope is the (global, player) pair that local sequence values are
// drawn within.
type Scope struct {
	Global int64 `json:"g"`
	Player int32 `json:"p"`
}

// Scope returns the local-sequence scope of k.
func (k Key) Scope() Scope {
	return Scope{Global: k.Global, Player: k.Player}
}

// String renders k as global:player:local.
func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.Global, k.Player, k.Local)
}

// CompareScope orders scopes by global, then player.
func CompareScope(a, b Scope) int {
	if c := cmp.Compare(a.Global, b.Global); c != 0 {
		return c
	}
	return cmp.Compare(a.Player, b.Player)
}

// Order is the total order over keys for a fixed number of peers.
// The peer count is fixed at session start.
type Order struct {
	Players int32
}

// NewOrder returns the order for a session of n peers.
func NewOrder(n int32) Order {
	return Order{Players: n}
}

// rank is the round-robin position of the key's author within its global
// tick. Each tick rotates which player is ordered first.
func (o Order) rank(k Key) int64 {
	n := int64(o.Players)
	if n <= 0 {
		n = 1
	}
	r := (k.Global + int64(k.Player)) % n
	if r < 0 {
		r += n
	}
	return r
}

// Compare returns -1, 0 or +1 as a orders before, equal to, or after b.
//
// Keys compare by Global first. Ties are broken by the round-robin rank of
// each side's own (Global, Player) pair, then by Player for ids outside
// [0, Players), then by Local.
func (o Order) Compare(a, b Key) int {
	if c := cmp.Compare(a.Global, b.Global); c != 0 {
		return c
	}
	if c := cmp.Compare(o.rank(a), o.rank(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Player, b.Player); c != 0 {
		return c
	}
	return cmp.Compare(a.Local, b.Local)
}

// First returns the smallest key of a global tick. Every key of that tick
// orders at or after it.
func (o Order) First(global int64) Key {
	n := int64(o.Players)
	if n <= 0 {
		n = 1
	}
	player := (n - global%n) % n
	return Key{Global: global, Player: int32(player), Local: math.MinInt32}
}

// Less reports whether a orders strictly before b.
func (o Order) Less(a, b Key) bool {
	return o.Compare(a, b) < 0
}
