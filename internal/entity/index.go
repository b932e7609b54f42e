package entity

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/timewarp/internal/alloc"
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/undo"
)

type entry struct {
	id    lx.Lx
	ent   Entity
	ident alloc.Identity
	owned bool // created through Create; its identity returns to the allocator on Delete
}

// Index holds every live entity ordered by identity path.
//
// Not safe for concurrent use; the simulation thread owns it.
type Index struct {
	entries []*entry
	ids     *alloc.Recycler
	rng     *alloc.Random
	logger  *slog.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithLogger sets the index logger. The default discards output.
func WithLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) {
		ix.logger = l
	}
}

// NewIndex returns an empty index drawing identities from ids and shared
// randomness from rng.
func NewIndex(ids *alloc.Recycler, rng *alloc.Random, opts ...IndexOption) *Index {
	ix := &Index{
		ids:    ids,
		rng:    rng,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) search(id lx.Lx) (int, bool) {
	return slices.BinarySearchFunc(ix.entries, id, func(e *entry, id lx.Lx) int {
		return lx.Compare(e.id, id)
	})
}

func (ix *Index) insert(e *entry) {
	i, found := ix.search(e.id)
	if found {
		panic(fmt.Sprintf("entity: address %s already registered", e.id))
	}
	ix.entries = slices.Insert(ix.entries, i, e)
}

func (ix *Index) remove(id lx.Lx) *entry {
	i, found := ix.search(id)
	if !found {
		return nil
	}
	e := ix.entries[i]
	ix.entries = slices.Delete(ix.entries, i, i+1)
	return e
}

// Evaluate dispatches cmd to its target and returns the undo for
// everything the target changed. It satisfies warp.Evaluator.
func (ix *Index) Evaluate(cmd command.Command) undo.Undo {
	i, found := ix.search(cmd.Target)
	if !found {
		ix.logger.Debug("command target missing",
			"target", cmd.Target.String(),
			"op", cmd.Op.OpName(),
			"time", cmd.Time.String(),
		)
		return undo.Noop("missing target " + cmd.Name())
	}
	s := undo.NewSession(cmd.Name())
	ix.entries[i].ent.Evaluate(&Call{Time: cmd.Time, Undo: s, Index: ix}, cmd.Op)
	return s
}

// Register adds a static entity that is not owned by the allocator, such
// as a well-known root. It is not undoable and is meant for construction
// time only.
func (ix *Index) Register(e Entity) error {
	if _, found := ix.search(e.ID()); found {
		return fmt.Errorf("entity: address %s already registered", e.ID())
	}
	ix.insert(&entry{id: e.ID(), ent: e})
	return nil
}

// Create claims an identity, addresses a new entity under parent with it
// and registers the entity built by build. Both steps are undone through
// c.Undo.
func (ix *Index) Create(c *Call, parent lx.Lx, build func(id lx.Lx) Entity) Entity {
	ident, unclaim := ix.ids.Claim()
	c.Undo.Push(unclaim)

	id := parent.Append(lx.Int64(ident.Value)).Append(lx.Int32(ident.Gen))
	ent := build(id)
	ix.insert(&entry{id: id, ent: ent, ident: ident, owned: true})
	c.Undo.Push(func() { ix.remove(id) })
	return ent
}

// Delete unregisters the entity at id and, if the allocator owns it,
// releases its identity. It reports whether an entity was removed.
func (ix *Index) Delete(c *Call, id lx.Lx) bool {
	e := ix.remove(id)
	if e == nil {
		return false
	}
	c.Undo.Push(func() { ix.insert(e) })
	if e.owned {
		c.Undo.Push(ix.ids.Release(e.ident))
	}
	return true
}

// Get returns the entity at id.
func (ix *Index) Get(id lx.Lx) (Entity, bool) {
	i, found := ix.search(id)
	if !found {
		return nil, false
	}
	return ix.entries[i].ent, true
}

// Range returns every entity strictly below scope, in path order.
func (ix *Index) Range(scope lx.Lx) []Entity {
	lo, hi := scope.Range()
	i, _ := ix.search(lo)
	var out []Entity
	for ; i < len(ix.entries); i++ {
		if lx.Compare(ix.entries[i].id, hi) >= 0 {
			break
		}
		out = append(out, ix.entries[i].ent)
	}
	return out
}

// Random draws from the shared replayable stream in [0, n) and records
// the inverse on c.Undo.
func (ix *Index) Random(c *Call, n int64) int64 {
	v, inv := ix.rng.IntN(n)
	c.Undo.Push(inv)
	return v
}

// Len is the number of registered entities.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Dump returns every entity's record in path order.
func (ix *Index) Dump() []Record {
	out := make([]Record, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = Record{
			ID:    e.id,
			Kind:  e.ent.Kind(),
			Owned: e.owned,
			Ident: e.ident,
			Data:  e.ent.Dump(),
		}
	}
	return out
}

// Load replaces the index contents with entities rebuilt from records.
// Allocator state is restored separately.
func (ix *Index) Load(records []Record, kinds *Kinds) error {
	entries := make([]*entry, 0, len(records))
	for _, rec := range records {
		ent, err := kinds.Build(rec)
		if err != nil {
			return err
		}
		entries = append(entries, &entry{id: rec.ID, ent: ent, ident: rec.Ident, owned: rec.Owned})
	}
	slices.SortFunc(entries, func(a, b *entry) int { return lx.Compare(a.id, b.id) })
	for i := 1; i < len(entries); i++ {
		if lx.Equal(entries[i-1].id, entries[i].id) {
			return fmt.Errorf("entity: duplicate address %s in dump", entries[i].id)
		}
	}
	ix.entries = entries
	return nil
}
