// Package alloc provides the reconciled allocators that commands draw
// identity and randomness from.
//
// Every allocation returns its exact inverse so that command evaluation
// can be rolled back and replayed without the allocators drifting between
// peers.
package alloc

import (
	"fmt"
	"math"
	"slices"
)

// Identity is a small integer identity plus the number of times that
// integer has been released. A reused value has a higher generation, so
// references to a previous holder never alias the new one.
type Identity struct {
	Value int64 `json:"v"`
	Gen   int32 `json:"g"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%d.%d", id.Value, id.Gen)
}

// State is the persistent form of a Recycler: the next fresh value and
// the recycle stack, bottom first.
type State struct {
	Head     int64      `json:"head"`
	Recycled []Identity `json:"recycled"`
}

// Recycler hands out identities, preferring released ones (LIFO) over
// fresh values from a monotone counter.
//
// Not safe for concurrent use; the simulation thread owns it.
type Recycler struct {
	head     int64
	recycled []Identity
}

// NewRecycler returns a recycler whose first fresh value is 0.
func NewRecycler() *Recycler {
	return &Recycler{}
}

// NewRecyclerFrom rebuilds a recycler from saved state.
func NewRecyclerFrom(st State) *Recycler {
	return &Recycler{head: st.Head, recycled: slices.Clone(st.Recycled)}
}

// Claim returns an identity and the operation that un-claims it.
// It panics when the fresh-value domain is exhausted.
func (r *Recycler) Claim() (Identity, func()) {
	if n := len(r.recycled); n > 0 {
		id := r.recycled[n-1]
		r.recycled = r.recycled[:n-1]
		return id, func() { r.recycled = append(r.recycled, id) }
	}
	if r.head == math.MaxInt64 {
		panic("alloc: identity space exhausted")
	}
	id := Identity{Value: r.head}
	r.head++
	return id, func() { r.head-- }
}

// Release returns id to the recycle stack with its generation bumped and
// returns the operation that takes it back off.
func (r *Recycler) Release(id Identity) func() {
	r.recycled = append(r.recycled, Identity{Value: id.Value, Gen: id.Gen + 1})
	return func() { r.recycled = r.recycled[:len(r.recycled)-1] }
}

// State returns a copy of the recycler's state.
func (r *Recycler) State() State {
	return State{Head: r.head, Recycled: slices.Clone(r.recycled)}
}
