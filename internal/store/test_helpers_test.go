package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/testutil"
	"github.com/roach88/timewarp/internal/timekey"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewFakeClock(time.Time{})
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEnvelope creates an envelope with a fixed target and args.
func createTestEnvelope(g int64, p, l int32, op string) command.Envelope {
	return command.Envelope{
		Time:   timekey.Key{Global: g, Player: p, Local: l},
		Target: lx.Of(lx.String("t"), lx.Int64(g)),
		Op:     op,
		Args:   json.RawMessage(`{"by": 1}`),
	}
}
