// ABOUTME: Tests for the seen-event window
// ABOUTME: Covers duplicate detection, expiry, capacity, prefix removal and concurrent use

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(t *testing.T, ttl time.Duration, capacity int) (*Window, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	w := New(ttl, capacity)
	w.now = clock.now
	t.Cleanup(w.Close)
	return w, clock
}

func TestWindow_Seen(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("s1/$a"), "first sighting")
	assert.True(t, w.Seen("s1/$a"), "second sighting")
	assert.False(t, w.Seen("s1/$b"))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("k")
	assert.True(t, w.Contains("k"))

	clock.advance(time.Minute)
	assert.False(t, w.Contains("k"))
	assert.False(t, w.Seen("k"), "expired key counts as new")
	assert.True(t, w.Seen("k"))
}

func TestWindow_CapacityDropsOldest(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		w.Seen(k)
	}

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Contains("a"))
	for _, k := range []string{"b", "c", "d"} {
		assert.True(t, w.Contains(k), k)
	}
}

func TestWindow_ContainsDoesNotRecord(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 3)

	assert.False(t, w.Contains("x"))
	assert.False(t, w.Seen("x"))
}

func TestWindow_ForgetPrefix(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 10)

	w.Seen("s1/$a")
	w.Seen("s1/$b")
	w.Seen("s2/$a")

	w.ForgetPrefix("s1/")

	assert.Equal(t, 1, w.Len())
	assert.False(t, w.Contains("s1/$a"))
	assert.True(t, w.Contains("s2/$a"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("old")
	clock.advance(30 * time.Second)
	w.Seen("new")
	clock.advance(45 * time.Second)

	w.sweep()

	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("new"))
}

func TestWindow_ConcurrentSeen(t *testing.T) {
	w := New(time.Hour, 1000)
	defer w.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("same") {
				firsts.Add(1)
			}
			w.Seen(fmt.Sprintf("key-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
	assert.Equal(t, 51, w.Len())
}

func TestWindow_CloseTwice(t *testing.T) {
	w := New(time.Minute, 1)
	w.Close()
	w.Close()
}
