// ABOUTME: Thread-safe TTL cache remembering the reply produced for a request key.
// ABOUTME: Lets the master answer a retransmitted request without executing it twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cleanupInterval is how often expired entries are swept in the background.
const cleanupInterval = time.Minute

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache maps request keys to stored replies for a limited time. It holds at
// most maxSize entries, evicting the oldest insertion first.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	seen    map[K]*cacheEntry[K, V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup goroutine.
func New[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K, V]{
		seen:    make(map[K]*cacheEntry[K, V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value for key, replacing and refreshing any previous value.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[K, V]{key: key, value: value, timestamp: now}
	entry.element = c.order.PushBack(entry)
	c.seen[key] = entry
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache[K, V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry, _ := front.Value.(*cacheEntry[K, V])
	c.order.Remove(front)
	delete(c.seen, entry.key)
}

func (c *Cache[K, V]) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
