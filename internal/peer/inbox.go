package peer

import (
	"sync"

	"github.com/roach88/timewarp/internal/transport"
)

// Item is one frame delivered by the transport.
type Item struct {
	From transport.MemberID
	Msg  transport.Message
}

// inbox is the thread-safe FIFO between transport goroutines and the
// simulation thread.
//
// Transport goroutines only ever Push. The simulation thread drains it
// inside the peer's critical section. It is unbounded so a slow update
// never blocks the network.
//
// The signal channel lets the Run loop wait for frames with a select that
// also watches its context.
type inbox struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{} // buffered, size 1
}

func newInbox() *inbox {
	return &inbox{
		items:  make([]Item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends an item. Returns false if the inbox is closed.
func (q *inbox) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	// non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns everything queued, oldest first.
func (q *inbox) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]Item, 0, cap(out))
	return out
}

// Take removes and returns the oldest item matching fn, leaving the
// others queued in order.
func (q *inbox) Take(fn func(Item) bool) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if fn(it) {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = Item{}
			q.items = q.items[:len(q.items)-1]
			return it, true
		}
	}
	return Item{}, false
}

// Wait returns a channel that signals when items may be available. It is
// closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes all waiters.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
