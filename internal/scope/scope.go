// Package scope generates the Local component of time keys.
//
// Each (global, player) scope owns an independent counter created on
// first use. Counters start from the same fixed base on every peer, so a
// table restored from saved "last values" continues exactly where the
// original would have.
package scope

import (
	"math"
	"slices"

	"github.com/roach88/timewarp/internal/timekey"
)

// Base is the first value taken from a fresh scope.
const Base int32 = 0

// Entry is one saved scope and the last value taken from it.
type Entry struct {
	Scope timekey.Scope `json:"scope"`
	Last  int32         `json:"last"`
}

// Table holds one counter per scope.
//
// Not safe for concurrent use; the simulation thread owns it.
type Table struct {
	last map[timekey.Scope]int32
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{last: make(map[timekey.Scope]int32)}
}

// Take returns the next local value for s. Values within one scope are
// strictly increasing.
func (t *Table) Take(s timekey.Scope) int32 {
	last, ok := t.last[s]
	next := Base
	if ok {
		if last == math.MaxInt32 {
			panic("scope: local sequence exhausted")
		}
		next = last + 1
	}
	t.last[s] = next
	return next
}

// Consolidate discards every scope strictly below the given one.
func (t *Table) Consolidate(below timekey.Scope) {
	for s := range t.last {
		if timekey.CompareScope(s, below) < 0 {
			delete(t.last, s)
		}
	}
}

// Len is the number of live scopes.
func (t *Table) Len() int {
	return len(t.last)
}

// Save returns the table's entries ordered by scope.
func (t *Table) Save() []Entry {
	out := make([]Entry, 0, len(t.last))
	for s, last := range t.last {
		out = append(out, Entry{Scope: s, Last: last})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return timekey.CompareScope(a.Scope, b.Scope)
	})
	return out
}

// Restore replaces the table's contents with saved entries.
func (t *Table) Restore(entries []Entry) {
	t.last = make(map[timekey.Scope]int32, len(entries))
	for _, e := range entries {
		t.last[e.Scope] = e.Last
	}
}
