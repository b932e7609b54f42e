package peer

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/testutil"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/transport"
	"github.com/roach88/timewarp/internal/transport/memory"
	"github.com/roach88/timewarp/internal/warp"
)

var firstCounter = tally.CountersScope.Append(lx.Int64(0)).Append(lx.Int32(0))

func newTestPeer(t *testing.T, netw transport.Network, player int32, opts ...Option) *Peer {
	t.Helper()
	cfg := Config{
		Players:         2,
		Player:          player,
		SnapshotTimeout: time.Second,
		Horizon:         -1,
	}
	p, err := New(netw, tally.Domain{}, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func digest(t *testing.T, p *Peer) string {
	t.Helper()
	var d string
	var err error
	p.View(func(e *engine.Engine) { d, err = e.Digest() })
	require.NoError(t, err)
	return d
}

func totals(p *Peer) map[string]int64 {
	var out map[string]int64
	p.View(func(e *engine.Engine) { out = tally.Totals(e.Index()) })
	return out
}

// joinAsync starts p.Join and returns a channel with its result.
func joinAsync(p *Peer) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.Join(context.Background()) }()
	return errc
}

// rawMember joins netw with a plain handler so a test can play a
// misbehaving peer.
type rawMember struct {
	mu    sync.Mutex
	group transport.Group
	got   []transport.Message
	reply func(g transport.Group, from transport.MemberID, m transport.Message)
}

func joinRaw(t *testing.T, netw *memory.Network, id transport.MemberID, reply func(transport.Group, transport.MemberID, transport.Message)) *rawMember {
	t.Helper()
	r := &rawMember{reply: reply}
	g, err := netw.JoinAs(context.Background(), id, transport.HandlerFunc(func(from transport.MemberID, m transport.Message) {
		r.mu.Lock()
		r.got = append(r.got, m)
		g := r.group
		r.mu.Unlock()
		if r.reply != nil {
			r.reply(g, from, m)
		}
	}))
	require.NoError(t, err)
	r.mu.Lock()
	r.group = g
	r.mu.Unlock()
	return r
}

func TestNew_InvalidPlayer(t *testing.T) {
	_, err := New(memory.NewNetwork(), tally.Domain{}, Config{Players: 2, Player: 5})
	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeInvalidPlayer, ee.Code)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTick, cfg.Tick)
	assert.Equal(t, DefaultSnapshotTimeout, cfg.SnapshotTimeout)
	assert.Equal(t, DefaultPingInterval, cfg.PingInterval)
	assert.Equal(t, DefaultHorizon, cfg.Horizon)
	assert.Equal(t, DefaultTick, cfg.UpdateInterval)

	cfg = Config{Horizon: -1, Tick: time.Second}.withDefaults()
	assert.Equal(t, time.Duration(-1), cfg.Horizon, "negative horizon kept")
	assert.Equal(t, time.Second, cfg.UpdateInterval)
}

func TestSignal_BeforeJoin(t *testing.T) {
	p := newTestPeer(t, memory.NewNetwork(), 0)

	_, err := p.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "x"})
	assert.ErrorIs(t, err, ErrNotLive)
	assert.Equal(t, StateJoining, p.State())
}

func TestJoin_SeedsEmptyGroup(t *testing.T) {
	p := newTestPeer(t, memory.NewNetwork(), 0)

	require.NoError(t, p.Join(context.Background()))
	assert.Equal(t, StateLive, p.State())
	assert.NotEmpty(t, p.Self())

	err := p.Join(context.Background())
	assert.Error(t, err, "second join")
}

func TestJoin_BootstrapsFromSnapshot(t *testing.T) {
	netw := memory.NewNetwork()
	clockA := testutil.NewFakeClock(time.Time{})
	clockB := testutil.NewFakeClock(testutil.Epoch.Add(-10 * time.Second))

	a := newTestPeer(t, netw, 0, WithWallClock(clockA.Now))
	require.NoError(t, a.Join(context.Background()))

	_, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)
	_, err = a.SignalAt(2, firstCounter, tally.Increment{By: 4})
	require.NoError(t, err)

	b := newTestPeer(t, netw, 1, WithWallClock(clockB.Now))
	errc := joinAsync(b)

	require.Eventually(t, func() bool {
		if err := a.Update(); err != nil {
			return false
		}
		return b.State() == StateLive
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-errc)

	assert.Equal(t, digest(t, a), digest(t, b))
	assert.Equal(t, map[string]int64{"score": 4}, totals(b))
	assert.Equal(t, a.Clock().Now(), b.Clock().Now(), "joiner adopts the producer's logical time")
	assert.Equal(t, 10*time.Second, b.Clock().Offset())

	// Traffic flows both ways after the join.
	_, err = b.SignalAt(3, firstCounter, tally.Increment{By: 1})
	require.NoError(t, err)
	_, err = a.SignalAt(3, firstCounter, tally.Decrement{By: 2})
	require.NoError(t, err)
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	assert.Equal(t, map[string]int64{"score": 3}, totals(a))
	assert.Equal(t, digest(t, a), digest(t, b))
}

// Commands broadcast while the snapshot is in flight reach the joiner
// twice: inside the snapshot and as a frame. The frame copy is dropped.
func TestJoin_DropsCommandsAlreadyInSnapshot(t *testing.T) {
	netw := memory.NewNetwork(memory.WithManualDelivery(1))

	a := newTestPeer(t, netw, 0)
	require.NoError(t, a.Join(context.Background()))
	_, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)

	b := newTestPeer(t, netw, 1)
	errc := joinAsync(b)

	require.Eventually(t, func() bool { return netw.Pending() == 1 }, time.Second, time.Millisecond,
		"snapshot request queued")
	require.Equal(t, 1, netw.Advance())

	// inc@2 is broadcast to b and then captured by the snapshot.
	_, err = a.SignalAt(2, firstCounter, tally.Increment{By: 5})
	require.NoError(t, err)
	require.NoError(t, a.Update())

	// inc@3 happens after the snapshot.
	_, err = a.SignalAt(3, firstCounter, tally.Increment{By: 1})
	require.NoError(t, err)

	require.Equal(t, 3, netw.Advance())
	require.NoError(t, <-errc)
	require.NoError(t, b.Update())

	assert.Equal(t, StateLive, b.State())
	assert.Equal(t, map[string]int64{"score": 6}, totals(b))
	assert.Equal(t, digest(t, a), digest(t, b))
}

func TestStart_BootstrapsThroughUpdate(t *testing.T) {
	netw := memory.NewNetwork(memory.WithManualDelivery(1))
	ctx := context.Background()

	a := newTestPeer(t, netw, 0)
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateLive, a.State(), "first member seeds")
	_, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "n"})
	require.NoError(t, err)

	b := newTestPeer(t, netw, 1)
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, StateBootstrapping, b.State())

	_, err = b.SignalAt(2, firstCounter, tally.Increment{By: 1})
	assert.ErrorIs(t, err, ErrNotLive, "no signals while bootstrapping")

	require.NoError(t, b.Update(), "nothing arrived yet")
	assert.Equal(t, StateBootstrapping, b.State())

	netw.Advance()
	require.NoError(t, a.Update())
	netw.Advance()
	require.NoError(t, b.Update())

	assert.Equal(t, StateLive, b.State())
	assert.Equal(t, digest(t, a), digest(t, b))
}

func TestJoin_Timeout(t *testing.T) {
	netw := memory.NewNetwork()
	silent := joinRaw(t, netw, "silent", nil)

	b, err := New(netw, tally.Domain{}, Config{Players: 2, Player: 1, SnapshotTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	err = b.Join(context.Background())
	require.Error(t, err)
	assert.True(t, IsJoinTimeout(err))

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, transport.MemberID("silent"), je.Member)
	assert.Equal(t, StateClosed, b.State())

	assert.Empty(t, silent.group.Members(), "joiner left the group")
	require.Len(t, silent.got, 1)
	assert.IsType(t, transport.SnapshotRequest{}, silent.got[0])
}

func TestJoin_RejectsUndecodableSnapshot(t *testing.T) {
	netw := memory.NewNetwork()
	joinRaw(t, netw, "liar", func(g transport.Group, from transport.MemberID, m transport.Message) {
		if _, ok := m.(transport.SnapshotRequest); ok {
			_ = g.Send(from, transport.SnapshotResponse{Blob: []byte("not a snapshot")})
		}
	})

	b := newTestPeer(t, netw, 1)
	err := b.Join(context.Background())

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, ErrCodeSnapshotRejected, je.Code)
	assert.False(t, IsJoinTimeout(err))
	assert.Equal(t, StateClosed, b.State())
}

func TestJoin_RejectsMismatchedSnapshot(t *testing.T) {
	src, err := engine.New(3, 0, tally.Domain{})
	require.NoError(t, err)
	snap, err := src.Save(testutil.Epoch, 0)
	require.NoError(t, err)
	blob, err := snapshot.Encode(snap)
	require.NoError(t, err)

	netw := memory.NewNetwork()
	joinRaw(t, netw, "other-session", func(g transport.Group, from transport.MemberID, m transport.Message) {
		if _, ok := m.(transport.SnapshotRequest); ok {
			_ = g.Send(from, transport.SnapshotResponse{Blob: blob, WallClock: testutil.Epoch})
		}
	})

	b := newTestPeer(t, netw, 1)
	err = b.Join(context.Background())

	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, ErrCodeSnapshotRejected, je.Code)

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeSnapshotMismatch, ee.Code)
}

func TestUpdate_CollisionIsFatal(t *testing.T) {
	netw := memory.NewNetwork()
	a := newTestPeer(t, netw, 0)
	require.NoError(t, a.Join(context.Background()))
	_, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "x"})
	require.NoError(t, err)

	// Another member claims a's own timeslot with a different command.
	rogue := joinRaw(t, netw, "rogue", nil)
	args, err := json.Marshal(tally.Spawn{Name: "y"})
	require.NoError(t, err)
	env := command.Envelope{
		Time:   timekey.Key{Global: 1, Player: 0, Local: 0},
		Target: tally.RegistryID,
		Op:     tally.Spawn{}.OpName(),
		Args:   args,
	}
	require.NoError(t, rogue.group.Broadcast(transport.Command{Envelope: env}))

	err = a.Update()
	require.Error(t, err)
	assert.True(t, warp.IsTimeslotOccupied(err))
}

func TestUpdate_UnknownOpIsFatal(t *testing.T) {
	netw := memory.NewNetwork()
	a := newTestPeer(t, netw, 0)
	require.NoError(t, a.Join(context.Background()))

	rogue := joinRaw(t, netw, "rogue", nil)
	env := command.Envelope{
		Time:   timekey.Key{Global: 1, Player: 1},
		Target: tally.RegistryID,
		Op:     "nope.nothing",
		Args:   json.RawMessage(`{}`),
	}
	require.NoError(t, rogue.group.Broadcast(transport.Command{Envelope: env}))

	err := a.Update()
	assert.ErrorIs(t, err, command.ErrUnknownOp)
}

func TestUpdate_PingRefinesClock(t *testing.T) {
	netw := memory.NewNetwork()
	fake := testutil.NewFakeClock(time.Time{})
	a := newTestPeer(t, netw, 0, WithWallClock(fake.Now))
	require.NoError(t, a.Join(context.Background()))

	rogue := joinRaw(t, netw, "fast", nil)
	require.NoError(t, rogue.group.Broadcast(transport.Ping{LocalTime: testutil.Epoch.Add(3 * time.Second)}))
	require.NoError(t, rogue.group.Broadcast(transport.Ping{LocalTime: testutil.Epoch.Add(time.Second)}))
	require.NoError(t, a.Update())

	assert.Equal(t, 3*time.Second, a.Clock().Offset())
}

func TestPing_Broadcasts(t *testing.T) {
	netw := memory.NewNetwork()
	fake := testutil.NewFakeClock(time.Time{})
	a := newTestPeer(t, netw, 0, WithWallClock(fake.Now))
	require.NoError(t, a.Join(context.Background()))
	listener := joinRaw(t, netw, "listener", nil)

	require.NoError(t, a.Ping())

	require.Len(t, listener.got, 1)
	assert.Equal(t, transport.Ping{LocalTime: testutil.Epoch}, listener.got[0])
}

func TestConsolidate_FollowsHorizon(t *testing.T) {
	fake := testutil.NewFakeClock(time.Unix(0, 0))
	cfg := Config{Players: 1, Tick: time.Second, Horizon: 5 * time.Second}
	p, err := New(memory.NewNetwork(), tally.Domain{}, cfg, WithWallClock(fake.Now))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Join(context.Background()))

	_, err = p.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "x"})
	require.NoError(t, err)
	_, err = p.SignalAt(8, firstCounter, tally.Increment{By: 1})
	require.NoError(t, err)

	fake.Advance(10 * time.Second)
	p.Consolidate()

	p.View(func(e *engine.Engine) {
		floor, ok := e.Floor()
		require.True(t, ok)
		assert.Equal(t, timekey.Key{Global: 5, Local: math.MinInt32}, floor)
		assert.Equal(t, 1, e.Len(), "spawn@1 consolidated away")
	})

	_, err = p.SignalAt(4, firstCounter, tally.Increment{By: 1})
	assert.True(t, warp.IsProtocolError(err), "signal before floor")
}

func TestConsolidate_KeepsFirstRankedPlayerOfFloorTick(t *testing.T) {
	fake := testutil.NewFakeClock(time.Unix(0, 0))
	cfg := Config{Players: 2, Tick: time.Second, Horizon: 5 * time.Second}
	netw := memory.NewNetwork()
	p, err := New(netw, tally.Domain{}, cfg, WithWallClock(fake.Now))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Join(context.Background()))
	_, err = p.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)

	// In tick 5 of a two-player session player 1 is ordered first.
	other := joinRaw(t, netw, "other", nil)
	increment := func(key timekey.Key) {
		args, err := json.Marshal(tally.Increment{By: 1})
		require.NoError(t, err)
		env := command.Envelope{Time: key, Target: firstCounter, Op: tally.Increment{}.OpName(), Args: args}
		require.NoError(t, other.group.Broadcast(transport.Command{Envelope: env}))
		require.NoError(t, p.Update())
	}
	increment(timekey.Key{Global: 5, Player: 1})

	fake.Advance(10 * time.Second)
	p.Consolidate()

	p.View(func(e *engine.Engine) {
		floor, ok := e.Floor()
		require.True(t, ok)
		assert.Equal(t, timekey.Key{Global: 5, Player: 1, Local: math.MinInt32}, floor)
		assert.Equal(t, 1, e.Len(), "increment at the floor tick survives")
	})

	increment(timekey.Key{Global: 5, Player: 1, Local: 1})
	assert.Equal(t, map[string]int64{"score": 2}, totals(p))

	_, err = p.SignalAt(4, firstCounter, tally.Increment{By: 1})
	assert.True(t, warp.IsProtocolError(err), "signal before floor tick")
}

func TestUpdate_DropsRepeatedCommand(t *testing.T) {
	netw := memory.NewNetwork()
	a := newTestPeer(t, netw, 0)
	require.NoError(t, a.Join(context.Background()))
	cmd, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "x"})
	require.NoError(t, err)

	var env command.Envelope
	a.View(func(e *engine.Engine) { env, err = e.Codec().Encode(cmd) })
	require.NoError(t, err)

	echo := joinRaw(t, netw, "echo", nil)
	require.NoError(t, echo.group.Broadcast(transport.Command{Envelope: env}))
	require.NoError(t, echo.group.Broadcast(transport.Command{Envelope: env}))
	require.NoError(t, a.Update())

	a.View(func(e *engine.Engine) { assert.Equal(t, 1, e.Len()) })
	assert.Equal(t, map[string]int64{"x": 0}, totals(a))
}

// A command broadcast before a joiner was a member, and received by the
// joiner's source only after it served the snapshot, reaches the joiner
// through the source.
func TestJoin_SourceRelaysCommandsItAbsorbsAfterServing(t *testing.T) {
	netw := memory.NewNetwork(memory.WithManualDelivery(1))
	ctx := context.Background()
	newPeer := func(player int32) *Peer {
		p, err := New(netw, tally.Domain{}, Config{Players: 3, Player: player, Horizon: -1})
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	}
	peers := make([]*Peer, 0, 3)
	step := func() {
		netw.Advance()
		for _, p := range peers {
			require.NoError(t, p.Update())
		}
	}

	source := newPeer(0)
	require.NoError(t, source.Start(ctx))
	peers = append(peers, source)
	_, err := source.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)

	slow := newPeer(1)
	require.NoError(t, slow.Start(ctx))
	peers = append(peers, slow)
	step()
	step()
	require.Equal(t, StateLive, slow.State())

	netw.SetLag(slow.Self(), source.Self(), 5)
	_, err = slow.SignalAt(2, firstCounter, tally.Increment{By: 7})
	require.NoError(t, err)

	joiner := newPeer(2)
	require.NoError(t, joiner.Start(ctx))
	peers = append(peers, joiner)
	for range 8 {
		step()
	}

	require.Equal(t, StateLive, joiner.State())
	assert.Equal(t, map[string]int64{"score": 7}, totals(source))
	assert.Equal(t, totals(source), totals(joiner))
	assert.Equal(t, digest(t, source), digest(t, joiner))
	assert.Equal(t, digest(t, slow), digest(t, joiner))
}

func TestRun_Converges(t *testing.T) {
	netw := memory.NewNetwork(memory.WithLag(2 * time.Millisecond))
	cfg := func(player int32) Config {
		return Config{Players: 2, Player: player, Tick: 10 * time.Millisecond, PingInterval: 20 * time.Millisecond}
	}

	a, err := New(netw, tally.Domain{}, cfg(0))
	require.NoError(t, err)
	require.NoError(t, a.Join(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(p *Peer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}
	run(a)

	spawn, err := a.Signal(tally.RegistryID, tally.Spawn{Name: "score"})
	require.NoError(t, err)

	b, err := New(netw, tally.Domain{}, cfg(1))
	require.NoError(t, err)
	require.NoError(t, b.Join(context.Background()))
	run(b)

	// Increments must land strictly after the spawn on every peer.
	require.Eventually(t, func() bool {
		return a.Global() > spawn.Time.Global && b.Global() > spawn.Time.Global
	}, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err = a.Signal(firstCounter, tally.Increment{By: 1})
		require.NoError(t, err)
		_, err = b.Signal(firstCounter, tally.Increment{By: 2})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return totals(a)["score"] == 30 && totals(b)["score"] == 30
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, digest(t, a), digest(t, b))

	cancel()
	wg.Wait()
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, StateClosed, a.State())
}
