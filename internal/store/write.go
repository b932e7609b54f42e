package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/transport"
)

// WriteCommands journals envelopes executed by member. origin is the
// member that authored them (member itself for local signals).
// Uses ON CONFLICT DO NOTHING for idempotency - a time key already
// journaled for member is silently ignored.
//
// All rows are written in one transaction.
func (s *Store) WriteCommands(ctx context.Context, member, origin transport.MemberID, envs []command.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write commands: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commands
		(member, time_global, time_player, time_local, origin, target, target_path, op, args, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write commands: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC().Format(timeFormat)
	for _, env := range envs {
		target, err := marshalTarget(env.Target)
		if err != nil {
			return fmt.Errorf("write commands: %w", err)
		}
		args, err := marshalArgs(env.Args)
		if err != nil {
			return fmt.Errorf("write commands: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(member),
			env.Time.Global,
			env.Time.Player,
			env.Time.Local,
			string(origin),
			target,
			env.Target.String(),
			env.Op,
			args,
			now,
		); err != nil {
			return fmt.Errorf("write commands: %s at %s: %w", env.Op, env.Time, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write commands: commit: %w", err)
	}
	return nil
}

// WriteSnapshot stores a snapshot that member restored from producer.
// Returns the new row id.
func (s *Store) WriteSnapshot(ctx context.Context, member, producer transport.MemberID, snap *snapshot.Snapshot) (int64, error) {
	blob, err := snapshot.Encode(snap)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	var fg, fp, fl any
	if snap.Floor != nil {
		fg, fp, fl = snap.Floor.Global, snap.Floor.Player, snap.Floor.Local
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(member, producer, version, players, floor_global, floor_player, floor_local,
		 instructions, entities, wall_clock, clock_offset, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(member),
		string(producer),
		snap.Version,
		snap.Players,
		fg, fp, fl,
		len(snap.Instructions),
		len(snap.Entities),
		snap.WallClock.UTC().Format(timeFormat),
		int64(snap.ClockOffset),
		blob,
	)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return res.LastInsertId()
}

// RecordCommands journals commands member executed. It satisfies
// peer.Journal.
func (s *Store) RecordCommands(ctx context.Context, member, origin transport.MemberID, envs []command.Envelope) error {
	return s.WriteCommands(ctx, member, origin, envs)
}

// RecordSnapshot journals a snapshot member restored. It satisfies
// peer.Journal.
func (s *Store) RecordSnapshot(ctx context.Context, member, producer transport.MemberID, snap *snapshot.Snapshot) error {
	_, err := s.WriteSnapshot(ctx, member, producer, snap)
	return err
}

// now is overridable in tests.
func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}
