// Package entity maps identity paths to stateful entities and routes
// commands to them.
//
// Entities are created and deleted inside command evaluation, so both
// lifecycle changes record exact inverses on the evaluating call's undo
// session. A command addressed to an entity that does not exist in the
// current branch of the replay is a labeled no-op, not an error.
package entity

import (
	"github.com/roach88/timewarp/internal/alloc"
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/undo"
	"github.com/roach88/timewarp/internal/value"
)

// Entity is a stateful, addressable simulation object.
//
// Evaluate must record the inverse of every mutation on c.Undo, usually
// by writing fields through undo.Value. Ops of a kind the entity does not
// know are ignored.
type Entity interface {
	ID() lx.Lx
	Kind() string
	Evaluate(c *Call, op command.Op)
	Dump() value.Object
}

// Call is the context of one command evaluation.
type Call struct {
	Time  timekey.Key
	Undo  *undo.Session
	Index *Index
}

// Record is the dumped form of one registered entity.
type Record struct {
	ID    lx.Lx          `json:"id"`
	Kind  string         `json:"kind"`
	Owned bool           `json:"owned,omitempty"`
	Ident alloc.Identity `json:"ident"`
	Data  value.Object   `json:"data"`
}
