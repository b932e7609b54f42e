package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/transport"
)

type received struct {
	from transport.MemberID
	msg  transport.Message
}

type recorder struct {
	mu  sync.Mutex
	got []received
}

func (r *recorder) Deliver(from transport.MemberID, m transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, received{from, m})
}

func (r *recorder) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func TestBroadcast_NoSelfDelivery(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	var ra, rb, rc recorder

	a, err := n.Join(ctx, &ra)
	require.NoError(t, err)
	b, err := n.Join(ctx, &rb)
	require.NoError(t, err)
	c, err := n.Join(ctx, &rc)
	require.NoError(t, err)

	require.NoError(t, a.Broadcast(transport.Ping{LocalTime: time.Unix(5, 0)}))

	assert.Empty(t, ra.snapshot())
	require.Len(t, rb.snapshot(), 1)
	require.Len(t, rc.snapshot(), 1)
	assert.Equal(t, a.Self(), rb.snapshot()[0].from)

	assert.Equal(t, []transport.MemberID{a.Self(), b.Self()}, c.Members())
}

func TestMembers_StableOrderAndLeave(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	a, err := n.JoinAs(ctx, "a", &recorder{})
	require.NoError(t, err)
	b, err := n.JoinAs(ctx, "b", &recorder{})
	require.NoError(t, err)
	c, err := n.JoinAs(ctx, "c", &recorder{})
	require.NoError(t, err)

	assert.Equal(t, []transport.MemberID{"b", "c"}, a.Members())
	assert.Equal(t, []transport.MemberID{"a", "c"}, b.Members())

	require.NoError(t, b.Close())
	assert.Equal(t, []transport.MemberID{"a"}, c.Members())
	assert.ErrorIs(t, b.Broadcast(transport.SnapshotRequest{}), transport.ErrClosed)
	assert.ErrorIs(t, a.Send("b", transport.SnapshotRequest{}), transport.ErrUnknownMember)

	_, err = n.JoinAs(ctx, "a", &recorder{})
	assert.Error(t, err)
}

func TestManualDelivery_PerLinkLag(t *testing.T) {
	n := NewNetwork(WithManualDelivery(1))
	ctx := context.Background()
	var rb, rc recorder

	a, err := n.JoinAs(ctx, "a", &recorder{})
	require.NoError(t, err)
	_, err = n.JoinAs(ctx, "b", &rb)
	require.NoError(t, err)
	_, err = n.JoinAs(ctx, "c", &rc)
	require.NoError(t, err)
	n.SetLag("a", "c", 3)

	require.NoError(t, a.Broadcast(transport.Ping{LocalTime: time.Unix(1, 0)}))
	require.NoError(t, a.Broadcast(transport.Ping{LocalTime: time.Unix(2, 0)}))
	assert.Equal(t, 4, n.Pending())

	assert.Equal(t, 2, n.Advance())
	require.Len(t, rb.snapshot(), 2)
	assert.True(t, rb.snapshot()[0].msg.(transport.Ping).LocalTime.Equal(time.Unix(1, 0)), "send order preserved")
	assert.Empty(t, rc.snapshot())

	assert.Equal(t, 0, n.Advance())
	assert.Equal(t, 2, n.Advance())
	assert.Len(t, rc.snapshot(), 2)
	assert.Zero(t, n.Pending())
}

func TestWallClockLag(t *testing.T) {
	n := NewNetwork(WithLag(10 * time.Millisecond))
	ctx := context.Background()
	var rb recorder

	a, err := n.Join(ctx, &recorder{})
	require.NoError(t, err)
	b, err := n.Join(ctx, &rb)
	require.NoError(t, err)

	require.NoError(t, a.Send(b.Self(), transport.SnapshotRequest{}))
	assert.Empty(t, rb.snapshot())
	assert.Eventually(t, func() bool { return len(rb.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestJoin_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewNetwork().Join(ctx, &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
}
