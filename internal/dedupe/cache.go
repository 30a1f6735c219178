// ABOUTME: Thread-safe TTL cache for deduplicating inbound channel messages.
// ABOUTME: The webhook marks provider message ids so provider retries are processed once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key      string
	markedAt time.Time
}

// Cache is a TTL-based, size-limited set of seen keys. Keys are kept in mark
// order (oldest at front), so both capacity eviction and expiry pop from the
// front.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup(cleanupInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Second), time.Minute)
}

// Key scopes a provider message id to its channel.
func Key(channel, messageID string) string {
	return channel + "\x00" + messageID
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it is new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.seen[key]; ok {
		e := el.Value.(*cacheEntry)
		if now.Sub(e.markedAt) < c.ttl {
			return true
		}
		e.markedAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.seen) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.seen[key] = c.order.PushBack(&cacheEntry{key: key, markedAt: now})
	return false
}

// Forget removes key so a redelivery is processed again. Used when handling
// a marked message failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.seen[key]; ok {
		c.removeLocked(el)
	}
}

// Len is the number of tracked keys, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.seen, el.Value.(*cacheEntry).key)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL and returns how many went.
func (c *Cache) expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*cacheEntry).markedAt) < c.ttl {
			break
		}
		c.removeLocked(el)
		n++
	}
	return n
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
