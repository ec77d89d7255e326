// Package cache implements the hot-content cache that sits in front of
// the content-addressed store: content is requested by exact hash, so
// unlike a byte-range file cache this keys directly on the digest and
// caches whole blobs.
package cache

import (
	"container/list"
	"sync"

	"github.com/januskey/januskey/pkg/types"
)

// LRU is a thread-safe, hash-keyed least-recently-used cache of whole
// content blobs.
type LRU struct {
	mu         sync.RWMutex
	maxEntries int
	maxBytes   int64
	size       int64
	items      map[types.Digest]*list.Element
	order      *list.List
	stats      types.CacheStats
}

type entry struct {
	key  types.Digest
	data []byte
}

// New creates an LRU cache bounded by both entry count and total bytes;
// either bound may be zero to disable it.
func New(maxEntries int, maxBytes int64) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[types.Digest]*list.Element),
		order:      list.New(),
		stats:      types.CacheStats{Capacity: maxBytes},
	}
}

// Get returns a copy of the cached content for h, if present.
func (c *LRU) Get(h types.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[h]
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	c.updateHitRate()

	data := el.Value.(*entry).data
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Put inserts or refreshes content for h, evicting the least-recently-
// used entries if the cache would otherwise exceed its bounds.
func (c *LRU) Put(h types.Digest, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[h]; ok {
		old := el.Value.(*entry)
		c.size -= int64(len(old.data))
		cp := make([]byte, len(content))
		copy(cp, content)
		old.data = cp
		c.size += int64(len(cp))
		c.order.MoveToFront(el)
		c.evictIfNeeded()
		return
	}

	cp := make([]byte, len(content))
	copy(cp, content)
	el := c.order.PushFront(&entry{key: h, data: cp})
	c.items[h] = el
	c.size += int64(len(cp))
	c.evictIfNeeded()
}

// Evict removes h from the cache unconditionally, used when its content
// is securely overwritten.
func (c *LRU) Evict(h types.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[h]; ok {
		c.removeElement(el)
	}
}

// Stats returns a snapshot of cache performance counters.
func (c *LRU) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = c.size
	return stats
}

func (c *LRU) evictIfNeeded() {
	for c.maxBytes > 0 && c.size > c.maxBytes && c.order.Len() > 0 {
		c.evictOldest()
	}
	for c.maxEntries > 0 && len(c.items) > c.maxEntries && c.order.Len() > 0 {
		c.evictOldest()
	}
}

func (c *LRU) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
}

func (c *LRU) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
	c.size -= int64(len(e.data))
	c.stats.Evictions++
}

func (c *LRU) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
