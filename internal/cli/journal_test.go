package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/transport"
)

const (
	seedMember   transport.MemberID = "seed-member"
	joinerMember transport.MemberID = "joiner-member"
)

// writeJournal journals a two-player session: seedMember authored a spawn
// and an increment, and joinerMember restored a snapshot taken after
// them, then received one more increment.
func writeJournal(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.New(2, 0, tally.Domain{})
	require.NoError(t, err)
	_, err = eng.Signal(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)
	counter, ok := tally.Find(eng.Index(), "score")
	require.True(t, ok)
	_, err = eng.Signal(2, counter.ID(), tally.Increment{By: 5})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "peer.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	envs, err := eng.Codec().EncodeAll(eng.Instructions())
	require.NoError(t, err)
	require.NoError(t, st.WriteCommands(ctx, seedMember, seedMember, envs))

	snap, err := eng.Save(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), 0)
	require.NoError(t, err)
	_, err = st.WriteSnapshot(ctx, joinerMember, seedMember, snap)
	require.NoError(t, err)

	last, err := eng.Signal(3, counter.ID(), tally.Increment{By: 2})
	require.NoError(t, err)
	env, err := eng.Codec().Encode(last)
	require.NoError(t, err)
	require.NoError(t, st.WriteCommands(ctx, seedMember, seedMember, []command.Envelope{env}))
	require.NoError(t, st.WriteCommands(ctx, joinerMember, seedMember, []command.Envelope{env}))

	return path
}

func runJournalCmd(t *testing.T, newCmd func(*RootOptions) *cobra.Command, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newCmd(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{}, args...))
	return buf, cmd.Execute()
}

func TestInspectCommandMembers(t *testing.T) {
	path := writeJournal(t)

	buf, err := runJournalCmd(t, NewInspectCommand, "json", "--db", path)
	require.NoError(t, err)

	var response struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	require.Len(t, response.Data.Members, 2)

	byName := map[string]MemberView{}
	for _, m := range response.Data.Members {
		byName[m.Member] = m
	}
	assert.Equal(t, 3, byName[string(seedMember)].Commands)
	assert.Equal(t, 0, byName[string(seedMember)].Snapshots)
	assert.Equal(t, 1, byName[string(joinerMember)].Commands)
	assert.Equal(t, 1, byName[string(joinerMember)].Snapshots)
}

func TestInspectCommandMember(t *testing.T) {
	path := writeJournal(t)

	buf, err := runJournalCmd(t, NewInspectCommand, "text", "--db", path, "--member", string(joinerMember))
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Member: joiner-member")
	assert.Contains(t, out, "from seed-member")
	assert.Contains(t, out, "tally.increment")
	assert.NotContains(t, out, "(no commands)")
}

func TestInspectCommandLimit(t *testing.T) {
	path := writeJournal(t)

	buf, err := runJournalCmd(t, NewInspectCommand, "json", "--db", path, "--member", string(seedMember), "--limit", "1")
	require.NoError(t, err)

	var response struct {
		Data InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Len(t, response.Data.Commands, 1)
	assert.Equal(t, 2, response.Data.Truncated)
	assert.Empty(t, response.Data.Snapshots)
}

func TestInspectCommandErrors(t *testing.T) {
	_, err := runJournalCmd(t, NewInspectCommand, "text", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	path := writeJournal(t)
	_, err = runJournalCmd(t, NewInspectCommand, "text", "--db", path, "--member", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member not found")
}

func TestReplayCommandSeededMember(t *testing.T) {
	path := writeJournal(t)

	_, err := runJournalCmd(t, NewReplayCommand, "text", "--db", path, "--member", string(seedMember))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--players is required")

	buf, err := runJournalCmd(t, NewReplayCommand, "json", "--db", path, "--member", string(seedMember), "--players", "2", "--verify")
	require.NoError(t, err)

	var response struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.False(t, response.Data.FromSnapshot)
	assert.Equal(t, 3, response.Data.Applied)
	assert.Equal(t, map[string]int64{"score": 7}, response.Data.Totals)
	assert.NotEmpty(t, response.Data.Digest)
	require.NotNil(t, response.Data.Deterministic)
	assert.True(t, *response.Data.Deterministic)
}

func TestReplayCommandRestoredMember(t *testing.T) {
	path := writeJournal(t)

	buf, err := runJournalCmd(t, NewReplayCommand, "text", "--db", path, "--member", string(joinerMember), "--verify")
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "(2 players, from snapshot)")
	assert.Contains(t, out, "Applied: 1, skipped: 0")
	assert.Contains(t, out, "score = 7")
	assert.Contains(t, out, "✓ Deterministic")
}

func TestReplayCommandUnknownMember(t *testing.T) {
	path := writeJournal(t)

	_, err := runJournalCmd(t, NewReplayCommand, "text", "--db", path, "--member", "nobody", "--players", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func savedCounter(t *testing.T, by int64) *snapshot.Snapshot {
	t.Helper()
	eng, err := engine.New(2, 0, tally.Domain{})
	require.NoError(t, err)
	_, err = eng.Signal(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)
	counter, ok := tally.Find(eng.Index(), "score")
	require.True(t, ok)
	_, err = eng.Signal(2, counter.ID(), tally.Increment{By: by})
	require.NoError(t, err)
	snap, err := eng.Save(time.Time{}, 0)
	require.NoError(t, err)
	return snap
}

func TestCompareRebuilds(t *testing.T) {
	tests := []struct {
		name     string
		left     int64
		right    int64
		wantKeys []string
	}{
		{name: "equal states", left: 5, right: 5},
		{name: "different increments", left: 5, right: 6, wantKeys: []string{"instructions.2:0:0", ".data.count: 5 != 6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mismatches, err := compareRebuilds(savedCounter(t, tt.left), savedCounter(t, tt.right))
			require.NoError(t, err)
			if len(tt.wantKeys) == 0 {
				assert.Empty(t, mismatches)
				return
			}
			joined := strings.Join(mismatches, "\n")
			for _, key := range tt.wantKeys {
				assert.Contains(t, joined, key)
			}
		})
	}
}

func TestReplayNondeterministicOutput(t *testing.T) {
	mismatches, err := compareRebuilds(savedCounter(t, 5), savedCounter(t, 6))
	require.NoError(t, err)
	require.NotEmpty(t, mismatches)

	t.Run("json details", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := &cobra.Command{}
		cmd.SetOut(buf)
		require.NoError(t, writeJSON(cmd, CLIResponse{Status: "error", Error: nondeterministicError(mismatches)}))

		var response struct {
			Error struct {
				Code    string   `json:"code"`
				Message string   `json:"message"`
				Details []string `json:"details"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
		assert.Equal(t, "E_NONDETERMINISTIC", response.Error.Code)
		assert.Equal(t, mismatches, response.Error.Details)
		assert.Contains(t, strings.Join(response.Error.Details, "\n"), "instructions.2:0:0")
	})

	t.Run("text lists keys", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := &cobra.Command{}
		cmd.SetOut(buf)
		same := false
		outputReplayText(cmd, ReplayResult{Member: "m", Players: 2, Deterministic: &same, Mismatches: mismatches})

		out := buf.String()
		assert.Contains(t, out, "✗ Non-deterministic")
		for _, m := range mismatches {
			assert.Contains(t, out, m)
		}
	})
}
