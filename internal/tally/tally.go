// Package tally is a small sample domain: a registry that spawns named
// counters, and counters that peers increment, decrement, reset, roll
// and remove. The CLI, the harness and the integration tests drive the
// engine with it.
package tally

import (
	"fmt"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/entity"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/value"
)

// Entity kinds.
const (
	KindRegistry = "tally.registry"
	KindCounter  = "tally.counter"
)

var (
	// RegistryID is the static registry address.
	RegistryID = lx.Of(lx.String("tally"))
	// CountersScope is the parent of every counter address.
	CountersScope = RegistryID.Append(lx.String("counters"))
)

// Domain registers tally ops and kinds with an engine.
type Domain struct{}

// Register adds every tally op to codec and every kind to kinds.
func (Domain) Register(codec *command.Codec, kinds *entity.Kinds) {
	command.Register[Spawn](codec)
	command.Register[Increment](codec)
	command.Register[Decrement](codec)
	command.Register[Reset](codec)
	command.Register[Remove](codec)
	command.Register[Roll](codec)

	kinds.Register(KindRegistry, restoreRegistry)
	kinds.Register(KindCounter, restoreCounter)
}

// Install registers the static registry in a fresh index.
func (Domain) Install(ix *entity.Index) error {
	return ix.Register(NewRegistry())
}

// Counters returns every live counter in address order.
func Counters(ix *entity.Index) []*Counter {
	var out []*Counter
	for _, e := range ix.Range(CountersScope) {
		if c, ok := e.(*Counter); ok {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the first live counter with the given name.
func Find(ix *entity.Index, name string) (*Counter, bool) {
	for _, c := range Counters(ix) {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Totals maps counter names to values. Counters sharing a name are summed.
func Totals(ix *entity.Index) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range Counters(ix) {
		out[c.Name()] += c.Count()
	}
	return out
}

func intField(data value.Object, key string) (int64, error) {
	v, ok := data[key].(value.Int)
	if !ok {
		return 0, fmt.Errorf("field %q: want int, got %T", key, data[key])
	}
	return int64(v), nil
}

func stringField(data value.Object, key string) (string, error) {
	v, ok := data[key].(value.String)
	if !ok {
		return "", fmt.Errorf("field %q: want string, got %T", key, data[key])
	}
	return string(v), nil
}
