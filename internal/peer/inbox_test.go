package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/transport"
)

func ping(from string) Item {
	return Item{From: transport.MemberID(from), Msg: transport.Ping{}}
}

func TestInbox_DrainFIFO(t *testing.T) {
	q := newInbox()

	require.True(t, q.Push(ping("a")))
	require.True(t, q.Push(ping("b")))
	require.True(t, q.Push(ping("c")))
	assert.Equal(t, 3, q.Len())

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, transport.MemberID("a"), got[0].From)
	assert.Equal(t, transport.MemberID("b"), got[1].From)
	assert.Equal(t, transport.MemberID("c"), got[2].From)

	assert.Nil(t, q.Drain(), "drain of empty inbox")
	assert.Zero(t, q.Len())
}

func TestInbox_TakeLeavesOthersInOrder(t *testing.T) {
	q := newInbox()
	q.Push(ping("a"))
	q.Push(Item{From: "b", Msg: transport.SnapshotResponse{Blob: []byte{1}}})
	q.Push(ping("c"))

	it, ok := q.Take(func(it Item) bool {
		_, ok := it.Msg.(transport.SnapshotResponse)
		return ok
	})
	require.True(t, ok)
	assert.Equal(t, transport.MemberID("b"), it.From)

	rest := q.Drain()
	require.Len(t, rest, 2)
	assert.Equal(t, transport.MemberID("a"), rest[0].From)
	assert.Equal(t, transport.MemberID("c"), rest[1].From)
}

func TestInbox_TakeNoMatch(t *testing.T) {
	q := newInbox()
	q.Push(ping("a"))

	_, ok := q.Take(func(Item) bool { return false })
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestInbox_WaitSignals(t *testing.T) {
	q := newInbox()

	select {
	case <-q.Wait():
		t.Fatal("signal before push")
	default:
	}

	q.Push(ping("a"))
	q.Push(ping("b"))

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after push")
	}

	// Signals coalesce.
	select {
	case <-q.Wait():
		t.Fatal("second signal for coalesced pushes")
	default:
	}
	assert.Len(t, q.Drain(), 2)
}

func TestInbox_Close(t *testing.T) {
	q := newInbox()
	q.Close()
	q.Close()

	assert.False(t, q.Push(ping("a")), "push after close")

	_, ok := <-q.Wait()
	assert.False(t, ok, "wait channel closed")
}

func TestInbox_ConcurrentPush(t *testing.T) {
	q := newInbox()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(ping("x"))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.Drain(), 1000)
}
