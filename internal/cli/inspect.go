package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/transport"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Member   string
	Limit    int
}

// MemberView is one journaled member.
type MemberView struct {
	Member     string `json:"member"`
	Commands   int    `json:"commands"`
	Snapshots  int    `json:"snapshots"`
	LastGlobal int64  `json:"last_global"`
}

// SnapshotView describes one stored snapshot.
type SnapshotView struct {
	ID           int64     `json:"id"`
	Producer     string    `json:"producer"`
	Players      int32     `json:"players"`
	Floor        string    `json:"floor,omitempty"`
	Instructions int       `json:"instructions"`
	Entities     int       `json:"entities"`
	WallClock    time.Time `json:"wall_clock"`
	ClockOffset  string    `json:"clock_offset"`
}

// CommandView is one journaled command.
type CommandView struct {
	Time   string          `json:"time"`
	Origin string          `json:"origin"`
	Target string          `json:"target"`
	Op     string          `json:"op"`
	Args   json.RawMessage `json:"args"`
}

// InspectResult is the output of inspect. Members is set without
// --member; Snapshots and Commands with it.
type InspectResult struct {
	Members   []MemberView   `json:"members,omitempty"`
	Member    string         `json:"member,omitempty"`
	Snapshots []SnapshotView `json:"snapshots,omitempty"`
	Commands  []CommandView  `json:"commands,omitempty"`
	Truncated int            `json:"truncated,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show what a journal holds",
		Long: `Show the members recorded in a peer journal, or the snapshots and
commands of one member.

Examples:
  timewarp inspect --db ./peer.db
  timewarp inspect --db ./peer.db --member 0192f6c1-...
  timewarp inspect --db ./peer.db --member 0192f6c1-... --limit 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Member, "member", "", "member id to show in detail")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum commands to list (0 for all)")

	return cmd
}

// openJournal opens an existing journal. Opening a missing path would
// create an empty database, so it is rejected first.
func openJournal(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var result InspectResult
	if opts.Member == "" {
		members, err := st.Members(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read members", err)
		}
		result.Members = make([]MemberView, 0, len(members))
		for _, m := range members {
			result.Members = append(result.Members, MemberView{
				Member:     string(m.Member),
				Commands:   m.Commands,
				Snapshots:  m.Snapshots,
				LastGlobal: m.LastGlobal,
			})
		}
	} else {
		if err := inspectMember(ctx, st, opts, &result); err != nil {
			return err
		}
	}

	if opts.Format == "json" {
		return writeJSON(cmd, CLIResponse{Status: "ok", Data: result})
	}
	return outputInspectText(cmd, result)
}

func inspectMember(ctx context.Context, st *store.Store, opts *InspectOptions, result *InspectResult) error {
	member := transport.MemberID(opts.Member)
	result.Member = opts.Member

	snaps, err := st.ListSnapshots(ctx, member)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshots", err)
	}
	for _, s := range snaps {
		v := SnapshotView{
			ID:           s.ID,
			Producer:     string(s.Producer),
			Players:      s.Players,
			Instructions: s.Instructions,
			Entities:     s.Entities,
			WallClock:    s.WallClock,
			ClockOffset:  s.ClockOffset.String(),
		}
		if s.Floor != nil {
			v.Floor = s.Floor.String()
		}
		result.Snapshots = append(result.Snapshots, v)
	}

	recs, err := st.ReadCommands(ctx, member)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read commands", err)
	}
	if len(snaps) == 0 && len(recs) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("member not found: %s", opts.Member))
	}
	if opts.Limit > 0 && len(recs) > opts.Limit {
		result.Truncated = len(recs) - opts.Limit
		recs = recs[:opts.Limit]
	}
	for _, rec := range recs {
		result.Commands = append(result.Commands, CommandView{
			Time:   rec.Envelope.Time.String(),
			Origin: string(rec.Origin),
			Target: rec.Envelope.Target.String(),
			Op:     rec.Envelope.Op,
			Args:   rec.Envelope.Args,
		})
	}
	return nil
}

// outputInspectText outputs the inspect result as text.
func outputInspectText(cmd *cobra.Command, result InspectResult) error {
	w := cmd.OutOrStdout()

	if result.Member == "" {
		fmt.Fprintf(w, "Journal: %d member(s)\n", len(result.Members))
		for _, m := range result.Members {
			fmt.Fprintf(w, "  %s  commands=%d snapshots=%d last_global=%d\n",
				m.Member, m.Commands, m.Snapshots, m.LastGlobal)
		}
		return nil
	}

	fmt.Fprintf(w, "Member: %s\n", result.Member)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Snapshots ===")
	if len(result.Snapshots) == 0 {
		fmt.Fprintln(w, "  (seeded, no snapshot)")
	}
	for _, s := range result.Snapshots {
		floor := s.Floor
		if floor == "" {
			floor = "-"
		}
		fmt.Fprintf(w, "  #%d from %s  floor=%s instructions=%d entities=%d offset=%s\n",
			s.ID, s.Producer, floor, s.Instructions, s.Entities, s.ClockOffset)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Commands ===")
	if len(result.Commands) == 0 {
		fmt.Fprintln(w, "  (no commands)")
	}
	for _, c := range result.Commands {
		fmt.Fprintf(w, "  %s  %s%s %s  (from %s)\n", c.Time, c.Target, c.Op, c.Args, c.Origin)
	}
	if result.Truncated > 0 {
		fmt.Fprintf(w, "  ... %d more (use --limit 0)\n", result.Truncated)
	}
	return nil
}
