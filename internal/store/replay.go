package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/transport"
)

// ReplayResult summarizes an offline rebuild.
type ReplayResult struct {
	Member transport.MemberID
	// Snapshot is the snapshot the rebuild started from, or nil if the
	// member seeded its session.
	Snapshot *SnapshotInfo
	// Applied counts journaled commands fed to the engine.
	Applied int
	// Skipped counts journaled commands already covered by the snapshot.
	Skipped int
}

// Replay rebuilds member's state into eng: restore the latest snapshot
// the member joined from, then feed every journaled command the snapshot
// does not already cover in one ReceiveAll pass.
//
// eng must be fresh and configured for the same session (player count
// and domain). The rebuilt state is what the member last had, minus any
// consolidation it performed, which never changes simulated state.
func Replay(ctx context.Context, s *Store, member transport.MemberID, eng *engine.Engine) (ReplayResult, error) {
	res := ReplayResult{Member: member}

	info, snap, err := s.LatestSnapshot(ctx, member)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return res, fmt.Errorf("replay %s: %w", member, err)
	default:
		if err := eng.Restore(snap); err != nil {
			return res, fmt.Errorf("replay %s: %w", member, err)
		}
		res.Snapshot = &info
	}

	recs, err := s.ReadCommands(ctx, member)
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", member, err)
	}

	floor, hasFloor := eng.Floor()
	order := eng.Order()
	cmds := make([]command.Command, 0, len(recs))
	for _, rec := range recs {
		t := rec.Envelope.Time
		if eng.Has(t) || (hasFloor && order.Less(t, floor)) {
			res.Skipped++
			continue
		}
		cmd, err := eng.Codec().Decode(rec.Envelope)
		if err != nil {
			return res, fmt.Errorf("replay %s: %w", member, err)
		}
		cmds = append(cmds, cmd)
	}

	if err := eng.ReceiveAll(cmds); err != nil {
		return res, fmt.Errorf("replay %s: %w", member, err)
	}
	res.Applied = len(cmds)
	return res, nil
}
