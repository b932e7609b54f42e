package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/transport"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Member   string
	Players  int32
	Seed     uint64
	Verify   bool
}

// ReplayResult holds the rebuilt state of one member.
type ReplayResult struct {
	Member        string           `json:"member"`
	Players       int32            `json:"players"`
	FromSnapshot  bool             `json:"from_snapshot"`
	Applied       int              `json:"applied"`
	Skipped       int              `json:"skipped"`
	Totals        map[string]int64 `json:"totals"`
	Digest        string           `json:"digest"`
	Deterministic *bool            `json:"deterministic,omitempty"`
	Mismatches    []string         `json:"mismatches,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a member's state from its journal",
		Long: `Rebuild the state a member last had from its journal: restore the
snapshot it joined from, then apply every journaled command.

With --verify the rebuild runs twice and the two states must match key
by key. Mismatched keys are listed.

Exit codes:
  0 - Rebuilt (and deterministic, with --verify)
  1 - States differ between rebuilds
  2 - Command error (missing journal, unknown member, etc.)

Examples:
  timewarp replay --db ./peer.db --member 0192f6c1-...
  timewarp replay --db ./peer.db --member 0192f6c1-... --verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Member, "member", "", "member id to rebuild (required)")
	_ = cmd.MarkFlagRequired("member")
	cmd.Flags().Int32Var(&opts.Players, "players", 0, "player count when the member seeded its session")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed when the member seeded its session (0 for default)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "rebuild twice and compare digests")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	member := transport.MemberID(opts.Member)
	players, err := replayPlayers(ctx, st, member, opts.Players)
	if err != nil {
		return err
	}

	result, state, err := rebuild(ctx, st, member, players, opts.Seed)
	if err != nil {
		return err
	}

	if opts.Verify {
		again, againState, err := rebuild(ctx, st, member, players, opts.Seed)
		if err != nil {
			return err
		}
		mismatches, err := compareRebuilds(state, againState)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compare rebuilds", err)
		}
		if len(mismatches) == 0 && again.Digest != result.Digest {
			mismatches = []string{fmt.Sprintf("digest: %s != %s", result.Digest, again.Digest)}
		}
		same := len(mismatches) == 0
		result.Deterministic = &same
		result.Mismatches = mismatches
	}

	deterministic := result.Deterministic == nil || *result.Deterministic
	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !deterministic {
			resp.Status = "error"
			resp.Error = nondeterministicError(result.Mismatches)
		}
		if err := writeJSON(cmd, resp); err != nil {
			return err
		}
	} else {
		outputReplayText(cmd, result)
	}

	if !deterministic {
		return NewExitError(ExitFailure, "non-deterministic replay")
	}
	return nil
}

// compareRebuilds lists every key whose value differs between two rebuilt
// states.
func compareRebuilds(a, b *snapshot.Snapshot) ([]string, error) {
	err := snapshot.Diff(a, b)
	if err == nil {
		return nil, nil
	}
	var de *snapshot.DivergenceError
	if !errors.As(err, &de) {
		return nil, err
	}
	out := make([]string, len(de.Mismatches))
	for i, m := range de.Mismatches {
		out[i] = m.String()
	}
	return out, nil
}

func nondeterministicError(mismatches []string) *CLIError {
	return &CLIError{
		Code:    "E_NONDETERMINISTIC",
		Message: fmt.Sprintf("replayed state differs between rebuilds at %d keys", len(mismatches)),
		Details: mismatches,
	}
}

// replayPlayers takes the player count from the member's latest snapshot.
// A member that seeded its session has none, so the flag must supply it.
func replayPlayers(ctx context.Context, st *store.Store, member transport.MemberID, flag int32) (int32, error) {
	snaps, err := st.ListSnapshots(ctx, member)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to read snapshots", err)
	}
	if len(snaps) > 0 {
		return snaps[len(snaps)-1].Players, nil
	}
	recs, err := st.ReadCommands(ctx, member)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to read commands", err)
	}
	if len(recs) == 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("member not found: %s", member))
	}
	if flag < 1 {
		return 0, NewExitError(ExitCommandError, "member seeded its session: --players is required")
	}
	return flag, nil
}

// rebuild replays member's journal into a fresh engine and returns the
// result along with the rebuilt state.
func rebuild(ctx context.Context, st *store.Store, member transport.MemberID, players int32, seed uint64) (ReplayResult, *snapshot.Snapshot, error) {
	var opts []engine.Option
	if seed != 0 {
		opts = append(opts, engine.WithSeed(seed))
	}
	eng, err := engine.New(players, 0, tally.Domain{}, opts...)
	if err != nil {
		return ReplayResult{}, nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	res, err := store.Replay(ctx, st, member, eng)
	if err != nil {
		return ReplayResult{}, nil, WrapExitError(ExitCommandError, "replay failed", err)
	}
	digest, err := eng.Digest()
	if err != nil {
		return ReplayResult{}, nil, WrapExitError(ExitCommandError, "failed to digest state", err)
	}
	state, err := eng.Save(time.Time{}, 0)
	if err != nil {
		return ReplayResult{}, nil, WrapExitError(ExitCommandError, "failed to capture state", err)
	}

	return ReplayResult{
		Member:       string(member),
		Players:      players,
		FromSnapshot: res.Snapshot != nil,
		Applied:      res.Applied,
		Skipped:      res.Skipped,
		Totals:       tally.Totals(eng.Index()),
		Digest:       digest,
	}, state, nil
}

func outputReplayText(cmd *cobra.Command, result ReplayResult) {
	w := cmd.OutOrStdout()

	from := "seed"
	if result.FromSnapshot {
		from = "snapshot"
	}
	fmt.Fprintf(w, "Member: %s (%d players, from %s)\n", result.Member, result.Players, from)
	fmt.Fprintf(w, "Applied: %d, skipped: %d\n", result.Applied, result.Skipped)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Totals ===")
	if len(result.Totals) == 0 {
		fmt.Fprintln(w, "  (no counters)")
	}
	for _, name := range slices.Sorted(maps.Keys(result.Totals)) {
		fmt.Fprintf(w, "  %s = %d\n", name, result.Totals[name])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Digest: %s\n", result.Digest)
	if result.Deterministic != nil {
		if *result.Deterministic {
			fmt.Fprintln(w, "✓ Deterministic")
		} else {
			fmt.Fprintln(w, "✗ Non-deterministic")
			for _, m := range result.Mismatches {
				fmt.Fprintf(w, "  %s\n", m)
			}
		}
	}
}
