// Package guards keeps the worker honest about memory: bounded caches for
// tool output, a sliding-window leak detector fed once per request, and a
// fire-once soft-limit restart signal.
package guards

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key     string
	value   string
	expires time.Time
}

// BoundedCache is a TTL cache with a hard entry cap. When full it evicts
// expired entries first, then the oldest by insertion. A single lock guards
// everything; contention is negligible at expected load.
type BoundedCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List // oldest at front, holds *cacheEntry
	index      map[string]*list.Element

	now func() time.Time // test hook
}

func NewBoundedCache(maxEntries int, ttl time.Duration) *BoundedCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &BoundedCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the cached value if present and not expired.
func (c *BoundedCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.remove(el)
		return "", false
	}
	return entry.value, true
}

// Set stores a value, evicting as needed to stay under the cap.
func (c *BoundedCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
	for c.order.Len() >= c.maxEntries {
		c.evictOne()
	}

	el := c.order.PushBack(&cacheEntry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
	c.index[key] = el
}

// evictOne drops an expired entry if any exists, otherwise the oldest.
func (c *BoundedCache) evictOne() {
	now := c.now()
	for el := c.order.Front(); el != nil; el = el.Next() {
		if now.After(el.Value.(*cacheEntry).expires) {
			c.remove(el)
			return
		}
	}
	if el := c.order.Front(); el != nil {
		c.remove(el)
	}
}

func (c *BoundedCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*cacheEntry).key)
}

// Len reports the current entry count, expired entries included.
func (c *BoundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
