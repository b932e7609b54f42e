package entity

import (
	"fmt"
	"sort"

	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/value"
)

// Factory rebuilds an entity of one kind from its dump.
type Factory func(id lx.Lx, data value.Object) (Entity, error)

// Kinds is a registry of factories keyed by entity kind.
type Kinds struct {
	factories map[string]Factory
}

// NewKinds returns an empty registry.
func NewKinds() *Kinds {
	return &Kinds{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a kind twice panics.
func (k *Kinds) Register(kind string, f Factory) {
	if _, dup := k.factories[kind]; dup {
		panic(fmt.Sprintf("entity: kind %q registered twice", kind))
	}
	k.factories[kind] = f
}

// Names returns the registered kinds, sorted.
func (k *Kinds) Names() []string {
	names := make([]string, 0, len(k.factories))
	for name := range k.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build rebuilds the entity described by rec.
func (k *Kinds) Build(rec Record) (Entity, error) {
	f, ok := k.factories[rec.Kind]
	if !ok {
		return nil, fmt.Errorf("entity %s: unknown kind %q", rec.ID, rec.Kind)
	}
	e, err := f(rec.ID, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("entity %s: rebuild %s: %w", rec.ID, rec.Kind, err)
	}
	return e, nil
}
