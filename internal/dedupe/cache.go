// ABOUTME: Thread-safe TTL cache tracking idempotency keys claimed for delivery
// ABOUTME: Prevents the page and the background worker from double-delivering an entry

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	claimedAt time.Time
	element   *list.Element
}

// Cache tracks idempotency keys that a delivery attempt has claimed in this
// process. It is the in-process half of duplicate suppression; the durable
// delivered_keys table covers attempts from the other execution context.
// Size-limited with oldest-first eviction, entries expire after a TTL.
type Cache struct {
	mu      sync.Mutex
	claimed map[string]*entry
	order   *list.List // keys in claim order, oldest at the front
	ttl     time.Duration
	maxSize int
}

// New creates a cache. Expired entries are pruned lazily on access; there is
// no background goroutine to stop.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		claimed: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically claims a key. Returns true if the key was already
// claimed and has not expired (duplicate — the caller must skip delivery),
// false if the key is now claimed by this caller. The single-call form
// avoids a check/mark race between concurrent queue processors.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.claimed[key]; ok {
		if time.Since(e.claimedAt) < c.ttl {
			return true
		}
		// Expired claim; fall through and re-claim.
		c.order.Remove(e.element)
		delete(c.claimed, key)
	}

	if len(c.claimed) >= c.maxSize {
		c.evictOldest()
	}

	c.claimed[key] = &entry{
		claimedAt: time.Now(),
		element:   c.order.PushBack(key),
	}
	return false
}

// Forget releases a claim. Called when a delivery attempt fails so a later
// retry of the same entry is not mistaken for a duplicate.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.claimed[key]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.claimed, key)
}

// Len returns the number of live claims, pruning expired ones first.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.claimed {
		if now.Sub(e.claimedAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.claimed, key)
		}
	}
	return len(c.claimed)
}

// evictOldest drops the oldest claim. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claimed, key)
}
