package tally

import (
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/entity"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/undo"
	"github.com/roach88/timewarp/internal/value"
)

// RegistryOp is the closed set of registry ops.
type RegistryOp interface {
	command.Op
	isRegistryOp()
}

// Spawn creates a counter named Name starting at zero.
type Spawn struct {
	Name string `json:"name"`
}

func (Spawn) OpName() string { return "tally.spawn" }
func (Spawn) isRegistryOp()  {}

// Registry spawns counters. It lives at RegistryID.
type Registry struct {
	spawned undo.Value[int64]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) ID() lx.Lx    { return RegistryID }
func (r *Registry) Kind() string { return KindRegistry }

// Spawned is the number of counters ever spawned in this branch of the
// replay.
func (r *Registry) Spawned() int64 {
	return r.spawned.Get()
}

func (r *Registry) Evaluate(c *entity.Call, op command.Op) {
	rop, ok := op.(RegistryOp)
	if !ok {
		return
	}
	switch o := rop.(type) {
	case Spawn:
		c.Index.Create(c, CountersScope, func(id lx.Lx) entity.Entity {
			return newCounter(id, o.Name)
		})
		r.spawned.Set(c.Undo, r.spawned.Get()+1)
	}
}

func (r *Registry) Dump() value.Object {
	return value.Object{"spawned": value.Int(r.spawned.Get())}
}

func restoreRegistry(id lx.Lx, data value.Object) (entity.Entity, error) {
	n, err := intField(data, "spawned")
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	r.spawned.Init(n)
	return r, nil
}
