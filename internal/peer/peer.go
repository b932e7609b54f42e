// Package peer runs one member of a replicated simulation.
//
// A peer joins a transport group, bootstraps from another member's
// snapshot or seeds a fresh session, and then stays live: locally
// authored commands are executed and broadcast, remote commands are
// buffered by transport goroutines and absorbed in one pass by Update.
//
//	Joining -> Bootstrapping -> Live -> Closed
//	        \-> Seeding -----/
//
// CRITICAL: mu is the single-writer lock. Draining the inbox, reconciling,
// serving snapshots and sending authored commands all happen while holding
// it; transport goroutines only push to the inbox.
package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/transport"
	"github.com/roach88/timewarp/internal/warp"
)

// Defaults for zero Config fields.
const (
	DefaultTick            = 50 * time.Millisecond
	DefaultSnapshotTimeout = 5 * time.Second
	DefaultPingInterval    = time.Second
	DefaultHorizon         = 10 * time.Second
)

// Config sizes a peer's session and timing.
type Config struct {
	Players int32
	Player  int32
	Seed    uint64

	// Tick is the length of one global time unit.
	Tick time.Duration
	// SnapshotTimeout bounds the wait for a snapshot while joining.
	SnapshotTimeout time.Duration
	// PingInterval is how often Run broadcasts a Ping.
	PingInterval time.Duration
	// Horizon is how far behind logical now Run consolidates. Negative
	// disables consolidation.
	Horizon time.Duration
	// UpdateInterval is how often Run calls Update when idle. Defaults
	// to Tick.
	UpdateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Horizon == 0 {
		c.Horizon = DefaultHorizon
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = c.Tick
	}
	return c
}

// Journal persists what a peer executes. member is the recording peer;
// origin and producer name where the data came from. Failures are
// logged, never fatal.
type Journal interface {
	RecordCommands(ctx context.Context, member, origin transport.MemberID, envs []command.Envelope) error
	RecordSnapshot(ctx context.Context, member, producer transport.MemberID, snap *snapshot.Snapshot) error
}

// Join results reported to an Observer.
const (
	JoinSeeded   = "seeded"
	JoinRestored = "restored"
	JoinFailed   = "failed"
)

// Observer receives peer events in addition to coordinator passes.
type Observer interface {
	warp.Observer
	ObserveSnapshot(bytes int)
	ObserveJoin(result string, d time.Duration)
}

// Peer is one member of a session.
type Peer struct {
	cfg      Config
	network  transport.Network
	clock    *Clock
	journal  Journal
	observer Observer
	logger   *slog.Logger

	engineOpts []engine.Option

	inbox *inbox
	state atomic.Int32

	mu        sync.Mutex
	eng       *engine.Engine
	group     transport.Group
	source    transport.MemberID
	started   time.Time
	lastFloor int64

	// relays maps a joiner this peer served to the global tick of the
	// snapshot it got. Absorbed remote commands are forwarded to it until
	// the floor passes that tick.
	relays map[transport.MemberID]int64
}

// Option configures a Peer.
type Option func(*Peer)

// WithLogger sets the logger for the peer and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(p *Peer) {
		p.logger = l
	}
}

// WithWallClock replaces time.Now as the peer's wall clock.
func WithWallClock(now func() time.Time) Option {
	return func(p *Peer) {
		p.clock = NewClock(now)
	}
}

// WithJournal records received commands and restored snapshots.
func WithJournal(j Journal) Option {
	return func(p *Peer) {
		p.journal = j
	}
}

// WithObserver reports coordinator passes, served snapshots and joins
// to o.
func WithObserver(o Observer) Option {
	return func(p *Peer) {
		p.observer = o
		p.engineOpts = append(p.engineOpts, engine.WithObserver(o))
	}
}

// WithEngineOptions passes options through to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(p *Peer) {
		p.engineOpts = append(p.engineOpts, opts...)
	}
}

// New builds a peer with a fresh engine. It does not touch the network
// until Join.
func New(network transport.Network, domain engine.Domain, cfg Config, opts ...Option) (*Peer, error) {
	p := &Peer{
		cfg:     cfg.withDefaults(),
		network: network,
		clock:   NewClock(nil),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		inbox:   newInbox(),
		relays:  make(map[transport.MemberID]int64),
	}
	for _, opt := range opts {
		opt(p)
	}

	engineOpts := append([]engine.Option{engine.WithLogger(p.logger)}, p.engineOpts...)
	if cfg.Seed != 0 {
		engineOpts = append(engineOpts, engine.WithSeed(cfg.Seed))
	}
	eng, err := engine.New(p.cfg.Players, p.cfg.Player, domain, engineOpts...)
	if err != nil {
		return nil, err
	}
	p.eng = eng
	p.state.Store(int32(StateJoining))
	return p, nil
}

// State returns the current protocol state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	p.logger.Debug("peer state", "from", prev.String(), "to", s.String())
}

// Clock returns the peer's logical clock.
func (p *Peer) Clock() *Clock {
	return p.clock
}

// Self returns this member's id, or "" before Join.
func (p *Peer) Self() transport.MemberID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group == nil {
		return ""
	}
	return p.group.Self()
}

// Global returns the current global tick.
func (p *Peer) Global() int64 {
	return p.clock.Global(p.cfg.Tick)
}

func (p *Peer) deliver(from transport.MemberID, m transport.Message) {
	p.inbox.Push(Item{From: from, Msg: m})
}

// Start joins the group without waiting for a snapshot. With no other
// members the peer seeds the session and is Live on return. Otherwise it
// requests a snapshot from the first member and stays Bootstrapping
// until an Update finds the response.
func (p *Peer) Start(ctx context.Context) error {
	if p.State() != StateJoining {
		return fmt.Errorf("peer: join from state %s", p.State())
	}

	started := p.clock.Wall()
	group, err := p.network.Join(ctx, transport.HandlerFunc(p.deliver))
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.group = group
	p.started = started

	members := group.Members()
	if len(members) == 0 {
		p.setState(StateSeeding)
		p.logger.Info("seeding new session",
			"member", string(group.Self()),
			"players", p.cfg.Players,
			"player", p.cfg.Player,
		)
		p.setState(StateLive)
		p.observeJoin(JoinSeeded)
		return nil
	}

	p.setState(StateBootstrapping)
	p.source = members[0]
	if err := group.Send(p.source, transport.SnapshotRequest{}); err != nil {
		return p.failJoin(newSnapshotRejectedError(p.source, err))
	}
	p.logger.Info("snapshot requested",
		"member", string(group.Self()),
		"source", string(p.source),
		"timeout", p.cfg.SnapshotTimeout,
	)
	return nil
}

// Join starts the peer and waits up to SnapshotTimeout for it to go
// live. A timeout or unusable snapshot returns a *JoinError and leaves
// the group; the rest of the group is unaffected.
func (p *Peer) Join(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(p.cfg.SnapshotTimeout)
	defer timer.Stop()

	for {
		if err := p.Update(); err != nil {
			return err
		}
		if p.State() == StateLive {
			return nil
		}

		select {
		case <-ctx.Done():
			p.Close()
			return ctx.Err()
		case <-timer.C:
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.State() != StateBootstrapping {
				return nil
			}
			return p.failJoin(newJoinTimeoutError(p.source, p.cfg.SnapshotTimeout))
		case _, ok := <-p.inbox.Wait():
			if !ok {
				return ErrNotLive
			}
		}
	}
}

// failJoin must be called with mu held.
func (p *Peer) failJoin(err error) error {
	p.logger.Error("join failed", "source", string(p.source), "error", err)
	p.observeJoin(JoinFailed)
	p.closeLocked()
	return err
}

func (p *Peer) observeJoin(result string) {
	if p.observer != nil {
		p.observer.ObserveJoin(result, p.clock.Wall().Sub(p.started))
	}
}

// tryBootstrap must be called with mu held. It restores from the
// snapshot source's response if one has arrived.
func (p *Peer) tryBootstrap() error {
	it, ok := p.inbox.Take(func(it Item) bool {
		_, ok := it.Msg.(transport.SnapshotResponse)
		return ok && it.From == p.source
	})
	if !ok {
		return nil
	}
	if err := p.restore(it.Msg.(transport.SnapshotResponse)); err != nil {
		return p.failJoin(err)
	}
	p.setState(StateLive)
	p.observeJoin(JoinRestored)
	return nil
}

// restore must be called with mu held. It installs a snapshot and
// absorbs commands buffered meanwhile.
func (p *Peer) restore(resp transport.SnapshotResponse) error {
	snap, err := snapshot.Decode(resp.Blob)
	if err != nil {
		return newSnapshotRejectedError(p.source, err)
	}
	if err := p.eng.Restore(snap); err != nil {
		return newSnapshotRejectedError(p.source, err)
	}
	offset := p.clock.Adopt(resp.WallClock, resp.ClockOffset)
	if floor, ok := p.eng.Floor(); ok {
		p.lastFloor = floor.Global
	}

	if p.journal != nil {
		if err := p.journal.RecordSnapshot(context.Background(), p.group.Self(), p.source, snap); err != nil {
			p.logger.Error("journal snapshot failed", "source", string(p.source), "error", err)
		}
	}

	p.logger.Info("snapshot restored",
		"source", string(p.source),
		"instructions", len(snap.Instructions),
		"clock_offset", offset,
		"buffered", p.inbox.Len(),
	)
	return p.absorb(true)
}

// Update drains the inbox: commands go to the engine in one ReceiveAll
// pass, pings refine the clock, and snapshot requests are answered with
// the reconciled state. A returned error is a protocol violation and
// ends the session. While bootstrapping, Update only looks for the
// snapshot response.
func (p *Peer) Update() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateBootstrapping:
		return p.tryBootstrap()
	case StateLive:
		return p.absorb(false)
	}
	return nil
}

// absorb must be called with mu held. While bootstrapping, commands the
// restored snapshot already contains are dropped instead of rejected.
// Exact repeats of a placed command are dropped in any state; a different
// command at an occupied key is still rejected by the coordinator.
func (p *Peer) absorb(bootstrapping bool) error {
	items := p.inbox.Drain()
	if len(items) == 0 {
		return nil
	}

	var (
		cmds     []command.Command
		byOrigin = make(map[transport.MemberID][]command.Envelope)
		relayed  []Item
		batch    = make(map[timekey.Key]command.Command)
		requests []transport.MemberID
		dropped  int
		repeats  int
	)
	floor, hasFloor := p.eng.Floor()
	order := p.eng.Order()

	for _, it := range items {
		switch m := it.Msg.(type) {
		case transport.Command:
			cmd, err := p.eng.Codec().Decode(m.Envelope)
			if err != nil {
				return fmt.Errorf("command from %s: %w", it.From, err)
			}
			if bootstrapping && (p.eng.Has(cmd.Time) || (hasFloor && order.Less(cmd.Time, floor))) {
				dropped++
				continue
			}
			if p.isRepeat(cmd, batch) {
				repeats++
				continue
			}
			batch[cmd.Time] = cmd
			cmds = append(cmds, cmd)
			byOrigin[it.From] = append(byOrigin[it.From], m.Envelope)
			relayed = append(relayed, it)
		case transport.SnapshotRequest:
			requests = append(requests, it.From)
		case transport.Ping:
			if p.clock.Refine(m.LocalTime) {
				p.logger.Debug("clock refined", "from", string(it.From), "clock_offset", p.clock.Offset())
			}
		case transport.SnapshotResponse:
			p.logger.Debug("ignoring unsolicited snapshot", "from", string(it.From))
		}
	}

	if len(cmds) > 0 {
		if err := p.eng.ReceiveAll(cmds); err != nil {
			return err
		}
		p.record(byOrigin)
		p.relay(relayed)
	}
	if dropped > 0 {
		p.logger.Debug("dropped commands already in snapshot", "count", dropped)
	}
	if repeats > 0 {
		p.logger.Debug("dropped repeated commands", "count", repeats)
	}

	for _, to := range requests {
		p.serveSnapshot(to)
	}
	return nil
}

// isRepeat reports whether cmd is identical to a command already placed on
// the timeline or earlier in batch.
func (p *Peer) isRepeat(cmd command.Command, batch map[timekey.Key]command.Command) bool {
	prev, ok := batch[cmd.Time]
	if !ok {
		prev, ok = p.eng.Lookup(cmd.Time)
	}
	return ok && p.sameCommand(prev, cmd)
}

func (p *Peer) sameCommand(a, b command.Command) bool {
	if a.Time != b.Time || !lx.Equal(a.Target, b.Target) || a.Op.OpName() != b.Op.OpName() {
		return false
	}
	ea, err := p.eng.Codec().Encode(a)
	if err != nil {
		return false
	}
	eb, err := p.eng.Codec().Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea.Args, eb.Args)
}

// relay forwards absorbed commands to joiners still inside their relay
// window. A command a joiner's source receives after serving the
// snapshot may have been broadcast before the joiner was a member, so
// nobody else will send it. Commands are never sent back to their origin.
func (p *Peer) relay(items []Item) {
	for to := range p.relays {
		for _, it := range items {
			if it.From == to {
				continue
			}
			if err := p.group.Send(to, it.Msg); err != nil {
				p.logger.Warn("relay failed", "to", string(to), "error", err)
				delete(p.relays, to)
				break
			}
		}
	}
}

func (p *Peer) record(byOrigin map[transport.MemberID][]command.Envelope) {
	if p.journal == nil {
		return
	}
	for origin, envs := range byOrigin {
		if err := p.journal.RecordCommands(context.Background(), p.group.Self(), origin, envs); err != nil {
			p.logger.Error("journal commands failed", "origin", string(origin), "error", err)
		}
	}
}

// serveSnapshot answers one joiner. Failures only affect that joiner.
func (p *Peer) serveSnapshot(to transport.MemberID) {
	snap, err := p.eng.Save(p.clock.Wall(), p.clock.Offset())
	if err != nil {
		p.logger.Error("snapshot save failed", "to", string(to), "error", err)
		return
	}
	blob, err := snapshot.Encode(snap)
	if err != nil {
		p.logger.Error("snapshot encode failed", "to", string(to), "error", err)
		return
	}
	resp := transport.SnapshotResponse{Blob: blob, WallClock: snap.WallClock, ClockOffset: snap.ClockOffset}
	if err := p.group.Send(to, resp); err != nil {
		p.logger.Warn("snapshot send failed", "to", string(to), "error", err)
		return
	}
	p.relays[to] = p.Global()
	if p.observer != nil {
		p.observer.ObserveSnapshot(len(blob))
	}
	p.logger.Info("snapshot served",
		"to", string(to),
		"bytes", len(blob),
		"instructions", len(snap.Instructions),
	)
}

// Signal authors op against target at the current global tick, executes
// it locally and broadcasts it.
func (p *Peer) Signal(target lx.Lx, op command.Op) (command.Command, error) {
	return p.SignalAt(p.Global(), target, op)
}

// SignalAt is Signal at an explicit global tick.
func (p *Peer) SignalAt(global int64, target lx.Lx, op command.Op) (command.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateLive {
		return command.Command{}, ErrNotLive
	}
	cmd, err := p.eng.Signal(global, target, op)
	if err != nil {
		return command.Command{}, err
	}
	env, err := p.eng.Codec().Encode(cmd)
	if err != nil {
		return command.Command{}, err
	}
	if err := p.group.Broadcast(transport.Command{Envelope: env}); err != nil {
		p.logger.Warn("broadcast failed", "command", cmd.Name(), "time", cmd.Time.String(), "error", err)
	}
	p.record(map[transport.MemberID][]command.Envelope{p.group.Self(): {env}})
	return cmd, nil
}

// Consolidate drops history before the horizon. It is a no-op until the
// horizon has moved past the previous floor.
func (p *Peer) Consolidate() {
	if p.cfg.Horizon < 0 {
		return
	}
	floor := p.clock.Now().Add(-p.cfg.Horizon).UnixNano() / int64(p.cfg.Tick)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateLive || floor <= p.lastFloor {
		return
	}
	p.eng.Consolidate(p.eng.Order().First(floor))
	p.lastFloor = floor
	for to, servedAt := range p.relays {
		if floor > servedAt {
			delete(p.relays, to)
		}
	}
}

// Ping broadcasts the current logical time.
func (p *Peer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateLive {
		return ErrNotLive
	}
	return p.group.Broadcast(transport.Ping{LocalTime: p.clock.Now()})
}

// Run drives a live peer until ctx ends or a protocol violation occurs:
// Update whenever frames arrive or UpdateInterval passes, Ping every
// PingInterval, and Consolidate after each update.
func (p *Peer) Run(ctx context.Context) error {
	if p.State() != StateLive {
		return ErrNotLive
	}
	p.logger.Info("peer running", "member", string(p.Self()), "tick", p.cfg.Tick)

	update := time.NewTicker(p.cfg.UpdateInterval)
	defer update.Stop()
	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("peer stopping: context cancelled")
			return ctx.Err()
		case <-ping.C:
			if err := p.Ping(); err != nil {
				p.logger.Warn("ping failed", "error", err)
			}
			continue
		case <-update.C:
		case _, ok := <-p.inbox.Wait():
			if !ok {
				p.logger.Info("peer stopping: closed")
				return nil
			}
		}

		if err := p.Update(); err != nil {
			p.logger.Error("reconciliation failed", "error", err)
			p.Close()
			return err
		}
		p.Consolidate()
	}
}

// View calls fn with the engine while holding the single-writer lock.
// fn must only read.
func (p *Peer) View(fn func(e *engine.Engine)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.eng)
}

// Close leaves the group. It waits for an in-progress update to finish.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Peer) closeLocked() error {
	if p.State() == StateClosed {
		return nil
	}
	p.setState(StateClosed)
	p.inbox.Close()
	if p.group != nil {
		return p.group.Close()
	}
	return nil
}
