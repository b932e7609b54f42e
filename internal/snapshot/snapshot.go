// Package snapshot defines the state handed to a joining peer and the
// blob codec it travels in.
//
// A snapshot describes the engine at its consolidation floor: allocator
// and scope state, every entity's dump, and the still-open instruction
// log. Restoring rebuilds that state directly and then replays the open
// log, which lands the joiner in the producer's live state.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/roach88/timewarp/internal/alloc"
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/entity"
	"github.com/roach88/timewarp/internal/scope"
	"github.com/roach88/timewarp/internal/timekey"
)

// Version is the current snapshot format.
const Version = 1

// Snapshot is an immutable capture of one engine.
type Snapshot struct {
	Version      int                `json:"version"`
	Players      int32              `json:"players"`
	Floor        *timekey.Key       `json:"floor,omitempty"`
	Identities   alloc.State        `json:"identities"`
	Random       alloc.RandomState  `json:"random"`
	Scopes       []scope.Entry      `json:"scopes"`
	Entities     []entity.Record    `json:"entities"`
	Instructions []command.Envelope `json:"instructions"`

	// Producer clock at capture time. Not part of the simulated state.
	WallClock   time.Time     `json:"wall_clock"`
	ClockOffset time.Duration `json:"clock_offset"`
}

// Encode serializes s as lz4-compressed JSON.
func Encode(s *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode.
func Decode(blob []byte) (*Snapshot, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("unsupported snapshot version %d (want %d)", s.Version, Version)
	}
	return &s, nil
}
