package engine

import (
	"time"

	"github.com/roach88/timewarp/internal/alloc"
	"github.com/roach88/timewarp/internal/scope"
	"github.com/roach88/timewarp/internal/snapshot"
)

// Save captures the engine at its consolidation floor together with the
// open instruction log. The live state is unchanged when Save returns.
func (e *Engine) Save(wall time.Time, offset time.Duration) (*snapshot.Snapshot, error) {
	envs, err := e.codec.EncodeAll(e.warp.Instructions())
	if err != nil {
		return nil, err
	}

	e.warp.UndoAll()
	defer e.warp.RedoAll()

	snap := &snapshot.Snapshot{
		Version:      snapshot.Version,
		Players:      e.order.Players,
		Identities:   e.ids.State(),
		Random:       e.rng.State(),
		Scopes:       e.scopes.Save(),
		Entities:     e.index.Dump(),
		Instructions: envs,
		WallClock:    wall,
		ClockOffset:  offset,
	}
	if floor, ok := e.warp.Floor(); ok {
		snap.Floor = &floor
	}

	e.logger.Debug("snapshot saved",
		"entities", len(snap.Entities),
		"instructions", len(snap.Instructions),
		"scopes", len(snap.Scopes),
	)
	return snap, nil
}

// Restore replaces the engine's state with snap. Allocators and scopes
// are rebuilt from their saved state, entities from their dumps, and the
// open log is then replayed in one pass. On error the engine is left as
// it was.
func (e *Engine) Restore(snap *snapshot.Snapshot) error {
	if snap.Players != e.order.Players {
		return newSnapshotMismatchError(e.order.Players, snap.Players)
	}

	cmds, err := e.codec.DecodeAll(snap.Instructions)
	if err != nil {
		return newRestoreError("decode instructions", err)
	}

	ids := alloc.NewRecyclerFrom(snap.Identities)
	rng := alloc.NewRandomFrom(snap.Random)
	scopes := scope.NewTable()
	scopes.Restore(snap.Scopes)

	index := e.newIndex(ids, rng)
	if err := index.Load(snap.Entities, e.kinds); err != nil {
		return newRestoreError("load entities", err)
	}

	w := e.newCoordinator(index)
	if snap.Floor != nil {
		w.Consolidate(*snap.Floor)
	}
	if err := w.ReceiveAll(cmds); err != nil {
		return newRestoreError("replay instructions", err)
	}

	e.ids, e.rng, e.scopes, e.index, e.warp = ids, rng, scopes, index, w
	e.seed = snap.Random.Seed

	e.logger.Info("snapshot restored",
		"entities", index.Len(),
		"instructions", len(cmds),
	)
	return nil
}
