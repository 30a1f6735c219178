// ABOUTME: Tests for the inbound dedupe cache
// ABOUTME: Covers marking, expiry, capacity eviction, Forget and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newCache(ttl, size, clk.Now), clk
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.CheckAndMark("wamid.1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("wamid.1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("wamid.2"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.CheckAndMark("a")
	clk.Advance(30 * time.Second)
	c.CheckAndMark("b")
	clk.Advance(31 * time.Second)

	assert.False(t, c.CheckAndMark("a"), "expired key is new again")
	assert.True(t, c.CheckAndMark("b"))

	clk.Advance(45 * time.Second)
	assert.Equal(t, 1, c.expire(), "only b is past the ttl")
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		c.CheckAndMark(k)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("a"), "a was evicted")
	assert.True(t, c.CheckAndMark("d"))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	key := Key("whatsapp", "wamid.9")
	require.False(t, c.CheckAndMark(key))
	c.Forget(key)
	c.Forget("never-seen")

	assert.False(t, c.CheckAndMark(key))
	assert.NotEqual(t, Key("whatsapp", "x"), Key("sms", "x"))
}

func TestCache_ConcurrentMarkingAdmitsOnce(t *testing.T) {
	c, _ := newTestCache(time.Hour, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if !c.CheckAndMark("same") {
				fresh.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_Close(t *testing.T) {
	c := New(time.Minute, 100)
	for i := range 10 {
		c.CheckAndMark(fmt.Sprintf("k%d", i))
	}
	c.Close()
	c.Close()
	assert.Equal(t, 10, c.Len())
	assert.Equal(t, 30*time.Second, cleanupInterval(time.Minute))
	assert.Equal(t, time.Second, cleanupInterval(time.Millisecond))
	assert.Equal(t, time.Minute, cleanupInterval(time.Hour))
}
