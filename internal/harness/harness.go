package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/peer"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/testutil"
	"github.com/roach88/timewarp/internal/transport"
	"github.com/roach88/timewarp/internal/transport/memory"
	"github.com/roach88/timewarp/internal/warp"
)

// Harness steps a scenario's peers in lockstep.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	clock    *testutil.FakeClock
	network  *memory.Network
	logger   *slog.Logger

	members []*member
	byName  map[string]*member

	// signals are every accepted command, in signal order.
	signals []command.Command
}

type member struct {
	spec   PeerSpec
	player int32
	peer   *peer.Peer
	rec    *recorder
	failed bool
}

// recorder counts what one peer's coordinator and join protocol did.
type recorder struct {
	passes int
	undone int
	served int
	joined string
}

func (r *recorder) ObservePass(st warp.Stats)                  { r.passes++; r.undone += st.Undone }
func (r *recorder) ObserveSnapshot(int)                        { r.served++ }
func (r *recorder) ObserveJoin(result string, _ time.Duration) { r.joined = result }

// namedNetwork joins the shared network under a fixed member id so
// reports and journals use scenario peer names.
type namedNetwork struct {
	*memory.Network
	name transport.MemberID
}

func (n namedNetwork) Join(ctx context.Context, h transport.Handler) (transport.Group, error) {
	return n.Network.JoinAs(ctx, n.name, h)
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory journal and network.
//
// Execution flow:
//  1. Build one peer per scenario peer, player ids in listed order
//  2. Step: start due peers, send due signals, advance the network,
//     update every peer
//  3. Build the report and a lag-free reference engine
//  4. Evaluate assertions
//
// An error means the harness itself could not run. Peer failures and
// rejected signals are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewFakeClock(time.Time{})

	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st, clock)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	result.Report.Scenario = scenario.Name

	steps := h.steps()
	for step := 0; step < steps; step++ {
		h.step(ctx, step, result)
	}
	result.Report.Steps = steps

	if err := h.report(result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{
		Store:    st,
		Ctx:      ctx,
		Scenario: scenario,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(s *Scenario, st *store.Store, clock *testutil.FakeClock) (*Harness, error) {
	lag := s.Lag
	if lag < 1 {
		lag = 1
	}
	h := &Harness{
		scenario: s,
		store:    st,
		clock:    clock,
		network:  memory.NewNetwork(memory.WithManualDelivery(lag)),
		logger:   discardLogger(),
		byName:   make(map[string]*member, len(s.Peers)),
	}
	for _, l := range s.Links {
		h.network.SetLag(transport.MemberID(l.From), transport.MemberID(l.To), l.Lag)
	}

	cfg := peer.Config{
		Players: int32(len(s.Peers)),
		Seed:    s.Seed,
		Horizon: -1,
	}
	for i, spec := range s.Peers {
		cfg.Player = int32(i)
		rec := &recorder{}
		p, err := peer.New(
			namedNetwork{Network: h.network, name: transport.MemberID(spec.Name)},
			tally.Domain{},
			cfg,
			peer.WithLogger(h.logger),
			peer.WithWallClock(clock.Now),
			peer.WithJournal(st),
			peer.WithObserver(rec),
		)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", spec.Name, err)
		}
		m := &member{spec: spec, player: int32(i), peer: p, rec: rec}
		h.members = append(h.members, m)
		h.byName[spec.Name] = m
	}
	return h, nil
}

// steps is the number of steps to run: through the last join or signal,
// then Settle more.
func (h *Harness) steps() int {
	last := 0
	for _, p := range h.scenario.Peers {
		last = max(last, p.Join)
	}
	for _, sig := range h.scenario.Signals {
		last = max(last, sig.Step)
	}

	settle := h.scenario.Settle
	if settle <= 0 {
		maxLag := max(h.scenario.Lag, 1)
		for _, l := range h.scenario.Links {
			maxLag = max(maxLag, l.Lag)
		}
		settle = int(maxLag) + 2
	}
	return last + settle + 1
}

func (h *Harness) step(ctx context.Context, step int, result *Result) {
	for _, m := range h.members {
		if m.spec.Join != step {
			continue
		}
		if err := m.peer.Start(ctx); err != nil {
			result.AddError(fmt.Sprintf("peer %s: start: %v", m.spec.Name, err))
			m.failed = true
		}
	}

	for i, sig := range h.scenario.Signals {
		if sig.Step != step {
			continue
		}
		if err := h.signal(sig); err != nil {
			result.AddError(fmt.Sprintf("signals[%d]: %s at step %d: %v", i, sig.Peer, step, err))
		}
	}

	h.network.Advance()
	h.clock.Advance(peer.DefaultTick)

	for _, m := range h.members {
		if m.failed || m.spec.Join > step {
			continue
		}
		if err := m.peer.Update(); err != nil {
			result.AddError(fmt.Sprintf("peer %s: %v", m.spec.Name, err))
			m.failed = true
		}
	}
}

func (h *Harness) signal(sig Signal) error {
	m := h.byName[sig.Peer]
	target, err := ParseTarget(sig.Target)
	if err != nil {
		return err
	}
	args, err := argsJSON(sig.Args)
	if err != nil {
		return err
	}

	var decoded command.Command
	m.peer.View(func(e *engine.Engine) {
		decoded, err = e.Codec().Decode(command.Envelope{Target: target, Op: sig.Op, Args: args})
	})
	if err != nil {
		return err
	}

	cmd, err := m.peer.SignalAt(sig.Global, target, decoded.Op)
	if err != nil {
		return err
	}
	h.signals = append(h.signals, cmd)
	return nil
}

// report fills the result's report from every peer and a reference
// engine that receives all accepted signals in one pass.
func (h *Harness) report(result *Result) error {
	ref, err := h.newEngine(0)
	if err != nil {
		return err
	}
	if err := ref.ReceiveAll(h.signals); err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	refDigest, err := ref.Digest()
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	refState, err := ref.Save(time.Time{}, 0)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	result.digests[""] = refDigest
	result.states[""] = refState
	result.Report.ReferenceTotals = tally.Totals(ref.Index())

	result.Report.Converged = true
	result.Report.MatchesReference = true
	var first string
	for i, m := range h.members {
		pr := PeerReport{
			Name:   m.spec.Name,
			Player: m.player,
			Joined: m.rec.joined,
			State:  m.peer.State().String(),
			Passes: m.rec.passes,
			Undone: m.rec.undone,
			Served: m.rec.served,
		}
		var (
			digest string
			state  *snapshot.Snapshot
		)
		m.peer.View(func(e *engine.Engine) {
			pr.Totals = tally.Totals(e.Index())
			pr.Timeline = e.Len()
			if digest, err = e.Digest(); err != nil {
				return
			}
			state, err = e.Save(time.Time{}, 0)
		})
		if err != nil {
			return fmt.Errorf("peer %s: %w", m.spec.Name, err)
		}
		result.digests[m.spec.Name] = digest
		result.states[m.spec.Name] = state
		result.Report.Peers = append(result.Report.Peers, pr)

		if i == 0 {
			first = digest
		} else if digest != first {
			result.Report.Converged = false
		}
		if digest != refDigest {
			result.Report.MatchesReference = false
		}
	}
	return nil
}

func (h *Harness) newEngine(player int32) (*engine.Engine, error) {
	opts := []engine.Option{engine.WithLogger(h.logger)}
	if h.scenario.Seed != 0 {
		opts = append(opts, engine.WithSeed(h.scenario.Seed))
	}
	return engine.New(int32(len(h.scenario.Peers)), player, tally.Domain{}, opts...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *Harness) close() {
	for _, m := range h.members {
		m.peer.Close()
	}
}
