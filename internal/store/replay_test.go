package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/peer"
	"github.com/roach88/timewarp/internal/tally"
	"github.com/roach88/timewarp/internal/transport/memory"
)

func newReplayEngine(t *testing.T, players, player int32) *engine.Engine {
	t.Helper()
	e, err := engine.New(players, player, tally.Domain{})
	require.NoError(t, err)
	return e
}

func digestOf(t *testing.T, e *engine.Engine) string {
	t.Helper()
	d, err := e.Digest()
	require.NoError(t, err)
	return d
}

func TestReplay_Empty(t *testing.T) {
	s := createTestStore(t)
	eng := newReplayEngine(t, 1, 0)

	res, err := Replay(context.Background(), s, "nobody", eng)
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	assert.Zero(t, res.Applied)
}

// Two journaled peers: a seeds and authors, b joins from a snapshot and
// then both keep signalling. Replaying either journal offline lands on
// the live state.
func TestReplay_RebuildsJournaledPeers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	netw := memory.NewNetwork()
	first := tally.CountersScope.Append(lx.Int64(0)).Append(lx.Int32(0))

	newPeer := func(player int32) *peer.Peer {
		p, err := peer.New(netw, tally.Domain{}, peer.Config{
			Players:         2,
			Player:          player,
			SnapshotTimeout: time.Second,
			Horizon:         -1,
		}, peer.WithJournal(s))
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	}

	a := newPeer(0)
	require.NoError(t, a.Join(ctx))
	_, err := a.SignalAt(1, tally.RegistryID, tally.Spawn{Name: "n"})
	require.NoError(t, err)
	_, err = a.SignalAt(2, first, tally.Increment{By: 2})
	require.NoError(t, err)

	b := newPeer(1)
	errc := make(chan error, 1)
	go func() { errc <- b.Join(ctx) }()
	require.Eventually(t, func() bool {
		return a.Update() == nil && b.State() == peer.StateLive
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-errc)

	_, err = b.SignalAt(3, first, tally.Increment{By: 5})
	require.NoError(t, err)
	_, err = a.SignalAt(4, first, tally.Roll{Sides: 6})
	require.NoError(t, err)
	require.NoError(t, a.Update())
	require.NoError(t, b.Update())

	var live string
	a.View(func(e *engine.Engine) { live = digestOf(t, e) })

	t.Run("seeding peer", func(t *testing.T) {
		eng := newReplayEngine(t, 2, 0)
		res, err := Replay(ctx, s, a.Self(), eng)
		require.NoError(t, err)
		assert.Nil(t, res.Snapshot)
		assert.Equal(t, 4, res.Applied)
		assert.Equal(t, live, digestOf(t, eng))
	})

	t.Run("joined peer", func(t *testing.T) {
		eng := newReplayEngine(t, 2, 1)
		res, err := Replay(ctx, s, b.Self(), eng)
		require.NoError(t, err)
		require.NotNil(t, res.Snapshot)
		assert.Equal(t, a.Self(), res.Snapshot.Producer)
		assert.Equal(t, 2, res.Applied)
		assert.Equal(t, live, digestOf(t, eng))
	})
}
