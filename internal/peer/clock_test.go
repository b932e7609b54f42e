package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/timewarp/internal/testutil"
)

func TestClock_StartsAtWall(t *testing.T) {
	fake := testutil.NewFakeClock(time.Time{})
	c := NewClock(fake.Now)

	assert.Equal(t, testutil.Epoch, c.Now())
	assert.Zero(t, c.Offset())

	fake.Advance(time.Second)
	assert.Equal(t, testutil.Epoch.Add(time.Second), c.Now())
}

func TestClock_Adopt(t *testing.T) {
	fake := testutil.NewFakeClock(time.Time{})
	c := NewClock(fake.Now)

	// Producer's wall reads 3s ahead of ours and it already runs 2s fast.
	d := c.Adopt(testutil.Epoch.Add(3*time.Second), 2*time.Second)

	assert.Equal(t, 5*time.Second, d)
	assert.Equal(t, testutil.Epoch.Add(5*time.Second), c.Now())
}

func TestClock_AdoptCanMoveBackwards(t *testing.T) {
	fake := testutil.NewFakeClock(time.Time{})
	c := NewClock(fake.Now)
	c.Adopt(testutil.Epoch.Add(time.Minute), 0)

	d := c.Adopt(testutil.Epoch.Add(-time.Second), 0)
	assert.Equal(t, -time.Second, d)
}

func TestClock_RefineOnlyMovesForward(t *testing.T) {
	fake := testutil.NewFakeClock(time.Time{})
	c := NewClock(fake.Now)

	assert.True(t, c.Refine(testutil.Epoch.Add(2*time.Second)))
	assert.Equal(t, 2*time.Second, c.Offset())

	assert.False(t, c.Refine(testutil.Epoch.Add(time.Second)), "slower remote ignored")
	assert.False(t, c.Refine(testutil.Epoch.Add(2*time.Second)), "equal remote ignored")
	assert.Equal(t, 2*time.Second, c.Offset())
}

func TestClock_Global(t *testing.T) {
	fake := testutil.NewFakeClock(time.Unix(0, 0))
	c := NewClock(fake.Now)

	assert.Equal(t, int64(0), c.Global(50*time.Millisecond))

	fake.Advance(120 * time.Millisecond)
	assert.Equal(t, int64(2), c.Global(50*time.Millisecond))

	c.Refine(time.Unix(0, 0).Add(time.Second))
	assert.Equal(t, int64(20), c.Global(50*time.Millisecond))
}

func TestClock_ConcurrentRefine(t *testing.T) {
	fake := testutil.NewFakeClock(time.Time{})
	c := NewClock(fake.Now)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(ms int) {
			defer wg.Done()
			c.Refine(testutil.Epoch.Add(time.Duration(ms) * time.Millisecond))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100*time.Millisecond, c.Offset(), "largest remote wins")
}
