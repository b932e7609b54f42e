package peer

import (
	"sync/atomic"
	"time"
)

// Clock is a peer's logical clock: the local wall clock shifted by an
// offset learned from other members.
//
// Peers never share a reference clock. A joiner adopts the offset
// remoteWall + remoteOffset - localWall from the snapshot it restores,
// and pings can only move the offset forward, so logical clocks converge
// on the fastest member without ever running backwards.
//
// Thread-safety: safe for concurrent use (atomic offset).
type Clock struct {
	wall   func() time.Time
	offset atomic.Int64
}

// NewClock returns a clock reading wall with zero offset. A nil wall
// means time.Now.
func NewClock(wall func() time.Time) *Clock {
	if wall == nil {
		wall = time.Now
	}
	return &Clock{wall: wall}
}

// Wall returns the unshifted local time.
func (c *Clock) Wall() time.Time {
	return c.wall()
}

// Now returns the logical time.
func (c *Clock) Now() time.Time {
	return c.wall().Add(c.Offset())
}

// Offset returns the current offset.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Adopt sets the offset from a snapshot producer's clock reading.
func (c *Clock) Adopt(remoteWall time.Time, remoteOffset time.Duration) time.Duration {
	d := remoteWall.Add(remoteOffset).Sub(c.wall())
	c.offset.Store(int64(d))
	return d
}

// Refine moves the offset forward if remote logical time is ahead of
// ours. It reports whether the offset changed.
func (c *Clock) Refine(remote time.Time) bool {
	want := int64(remote.Sub(c.wall()))
	for {
		cur := c.offset.Load()
		if want <= cur {
			return false
		}
		if c.offset.CompareAndSwap(cur, want) {
			return true
		}
	}
}

// Global converts logical time to a global tick of length tick.
func (c *Clock) Global(tick time.Duration) int64 {
	return c.Now().UnixNano() / int64(tick)
}
