// Package command defines the unit of replicated work: an operation aimed
// at an entity address and stamped with a time key.
package command

import (
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/timekey"
)

// Op is one command kind. Each entity type declares its own closed set of
// ops as a sealed interface and matches them with an exhaustive type
// switch.
type Op interface {
	OpName() string
}

// Command is an op addressed to Target at Time.
type Command struct {
	Time   timekey.Key
	Target lx.Lx
	Op     Op
}

// Name identifies the command kind for logs: target path plus op name.
func (c Command) Name() string {
	return c.Target.String() + "#" + c.Op.OpName()
}
