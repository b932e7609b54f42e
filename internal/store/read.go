package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/transport"
)

// ErrNoSnapshot is returned by LatestSnapshot when a member never
// restored one (it seeded its session).
var ErrNoSnapshot = errors.New("store: no snapshot")

// CommandRecord is one journaled command.
type CommandRecord struct {
	Member     transport.MemberID
	Origin     transport.MemberID
	Envelope   command.Envelope
	RecordedAt time.Time
}

// SnapshotInfo describes a stored snapshot without its blob.
type SnapshotInfo struct {
	ID           int64
	Member       transport.MemberID
	Producer     transport.MemberID
	Version      int
	Players      int32
	Floor        *timekey.Key
	Instructions int
	Entities     int
	WallClock    time.Time
	ClockOffset  time.Duration
}

// MemberSummary counts what the store holds for one member.
type MemberSummary struct {
	Member    transport.MemberID
	Commands  int
	Snapshots int
	// LastGlobal is the largest journaled global time, or 0.
	LastGlobal int64
}

// ReadCommands returns every command journaled by member, ordered by
// (global, player, local).
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadCommands(ctx context.Context, member transport.MemberID) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member, time_global, time_player, time_local, origin, target, op, args, recorded_at
		FROM commands
		WHERE member = ?
		ORDER BY time_global ASC, time_player ASC, time_local ASC
	`, string(member))
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	out := []CommandRecord{}
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

func scanCommand(rows *sql.Rows) (CommandRecord, error) {
	var (
		rec            CommandRecord
		member, origin string
		target         []byte
		args, recorded string
	)
	err := rows.Scan(
		&member,
		&rec.Envelope.Time.Global,
		&rec.Envelope.Time.Player,
		&rec.Envelope.Time.Local,
		&origin,
		&target,
		&rec.Envelope.Op,
		&args,
		&recorded,
	)
	if err != nil {
		return CommandRecord{}, fmt.Errorf("scan command: %w", err)
	}

	rec.Member = transport.MemberID(member)
	rec.Origin = transport.MemberID(origin)
	if rec.Envelope.Target, err = unmarshalTarget(target); err != nil {
		return CommandRecord{}, err
	}
	rec.Envelope.Args = unmarshalArgs(args)
	if rec.RecordedAt, err = parseTime(recorded); err != nil {
		return CommandRecord{}, err
	}
	return rec, nil
}

// Envelopes strips journal metadata from records.
func Envelopes(recs []CommandRecord) []command.Envelope {
	out := make([]command.Envelope, len(recs))
	for i, r := range recs {
		out[i] = r.Envelope
	}
	return out
}

const snapshotColumns = `id, member, producer, version, players, floor_global, floor_player, floor_local,
		instructions, entities, wall_clock, clock_offset`

// ListSnapshots returns the snapshots member restored, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, member transport.MemberID) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE member = ?
		ORDER BY id ASC
	`, string(member))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := []SnapshotInfo{}
	for rows.Next() {
		info, err := scanSnapshotInfo(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns member's most recent snapshot, decoded.
// Returns ErrNoSnapshot if there is none.
func (s *Store) LatestSnapshot(ctx context.Context, member transport.MemberID) (SnapshotInfo, *snapshot.Snapshot, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`, blob
		FROM snapshots
		WHERE member = ?
		ORDER BY id DESC
		LIMIT 1
	`, string(member))

	info, err := scanSnapshotInfo(func(dest ...any) error {
		return row.Scan(append(dest, &blob)...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotInfo{}, nil, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotInfo{}, nil, err
	}

	snap, err := snapshot.Decode(blob)
	if err != nil {
		return SnapshotInfo{}, nil, fmt.Errorf("snapshot %d: %w", info.ID, err)
	}
	return info, snap, nil
}

func scanSnapshotInfo(scan func(dest ...any) error) (SnapshotInfo, error) {
	var (
		info             SnapshotInfo
		member, producer string
		fg, fp, fl       sql.NullInt64
		wall             string
		offset           int64
	)
	err := scan(
		&info.ID,
		&member,
		&producer,
		&info.Version,
		&info.Players,
		&fg, &fp, &fl,
		&info.Instructions,
		&info.Entities,
		&wall,
		&offset,
	)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("scan snapshot: %w", err)
	}

	info.Member = transport.MemberID(member)
	info.Producer = transport.MemberID(producer)
	if fg.Valid {
		info.Floor = &timekey.Key{Global: fg.Int64, Player: int32(fp.Int64), Local: int32(fl.Int64)}
	}
	info.ClockOffset = time.Duration(offset)
	if info.WallClock, err = parseTime(wall); err != nil {
		return SnapshotInfo{}, err
	}
	return info, nil
}

// Members summarizes every member with journaled rows, ordered by id.
func (s *Store) Members(ctx context.Context) ([]MemberSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.member,
		       (SELECT COUNT(*) FROM commands c WHERE c.member = m.member),
		       (SELECT COUNT(*) FROM snapshots s WHERE s.member = m.member),
		       (SELECT COALESCE(MAX(time_global), 0) FROM commands c WHERE c.member = m.member)
		FROM (SELECT member FROM commands UNION SELECT member FROM snapshots) m
		ORDER BY m.member COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	out := []MemberSummary{}
	for rows.Next() {
		var (
			sum    MemberSummary
			member string
		)
		if err := rows.Scan(&member, &sum.Commands, &sum.Snapshots, &sum.LastGlobal); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		sum.Member = transport.MemberID(member)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}
