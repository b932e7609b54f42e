package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/timewarp/internal/config"
	"github.com/roach88/timewarp/internal/metrics"
	"github.com/roach88/timewarp/internal/peer"
	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/transport/ws"
)

// PeerOptions holds flags for the peer command. Flags that are set
// override the config file and environment.
type PeerOptions struct {
	*RootOptions
	Config    string
	Listen    string
	Connect   []string
	Players   int32
	Player    int32
	Journal   string
	Metrics   string
	Discover  bool
	NoConsole bool
}

// NewPeerCommand creates the peer command.
func NewPeerCommand(rootOpts *RootOptions) *cobra.Command {
	return newPeerCommand(&PeerOptions{RootOptions: rootOpts})
}

func newPeerCommand(opts *PeerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a session and run a peer",
		Long: `Join a session over websocket links and run a peer of the tally domain.

With no reachable members the peer seeds a new session. Otherwise it
restores a snapshot from an existing member and goes live. Commands typed
on stdin are signaled to the group (type "help" for the list).

Configuration is layered: defaults, then --config YAML, then TIMEWARP_*
environment variables, then flags.

Exit codes:
  0 - Stopped by signal or end of session
  1 - Join failed or the session hit a protocol violation
  2 - Command error (invalid config, unusable journal, etc.)

Examples:
  timewarp peer --players 2 --player 0 --listen :7420
  timewarp peer --players 2 --player 1 --listen :7421 --connect ws://localhost:7420/ws
  timewarp peer --config peer.yaml --journal ./peer.db --metrics :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "host:port to accept links on")
	cmd.Flags().StringSliceVar(&opts.Connect, "connect", nil, "ws:// URL of a member to dial (repeatable)")
	cmd.Flags().Int32Var(&opts.Players, "players", 0, "number of players in the session")
	cmd.Flags().Int32Var(&opts.Player, "player", 0, "this peer's player id")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "host:port to serve /metrics on")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find members over mDNS")
	cmd.Flags().BoolVar(&opts.NoConsole, "no-console", false, "do not read commands from stdin")

	return cmd
}

// loadConfig applies flags that were set on top of the config file and
// environment.
func (o *PeerOptions) loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	return config.Load(o.Config, func(cfg *config.Config) {
		if flags.Changed("listen") {
			cfg.Network.Listen = o.Listen
		}
		if flags.Changed("connect") {
			cfg.Network.Seeds = o.Connect
		}
		if flags.Changed("players") {
			cfg.Session.Players = o.Players
		}
		if flags.Changed("player") {
			cfg.Session.Player = o.Player
		}
		if flags.Changed("journal") {
			cfg.Journal.Path = o.Journal
		}
		if flags.Changed("metrics") {
			cfg.Metrics.Listen = o.Metrics
		}
		if flags.Changed("discover") {
			cfg.Network.Discover = o.Discover
		}
	})
}

func runPeer(opts *PeerOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Level(), cfg.Log.Format, opts.Verbose)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	peerOpts := []peer.Option{peer.WithLogger(logger)}

	if cfg.Journal.Path != "" {
		logger.Info("opening journal", "path", cfg.Journal.Path)
		st, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		peerOpts = append(peerOpts, peer.WithJournal(st))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New()
		peerOpts = append(peerOpts, peer.WithObserver(m))
	}

	network := ws.New(cfg.WS(), ws.WithLogger(logger))
	p, err := peer.New(network, tally.Domain{}, cfg.Peer(), peerOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create peer", err)
	}

	logger.Info("joining session",
		"players", cfg.Session.Players,
		"player", cfg.Session.Player,
		"seeds", len(cfg.Network.Seeds),
		"discover", cfg.Network.Discover,
	)
	if err := p.Join(ctx); err != nil {
		return WrapExitError(ExitFailure, "join failed", err)
	}
	defer p.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Peer %s live as player %d of %d.\n", p.Self(), cfg.Session.Player, cfg.Session.Players)
	if !opts.NoConsole {
		fmt.Fprintln(w, `Type "help" for commands. Press Ctrl-C to stop.`)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	if m != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, m.Handler(), logger)
		})
	}
	if !opts.NoConsole {
		c := &console{peer: p, out: w}
		g.Go(func() error {
			return c.run(gctx, cmd.InOrStdin())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "peer stopped", err)
	}
	logger.Info("peer stopped gracefully")
	return nil
}

// serveMetrics serves the Prometheus handler until ctx ends.
func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	logger.Info("metrics listening", "addr", addr)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := server.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}
