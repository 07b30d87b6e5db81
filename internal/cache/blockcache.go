// Package cache provides an in-memory cache for compressed chunk blocks, so
// repeated scans of cold data do not refetch the same object on every query.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// BlockCache is a byte-budgeted LRU cache of block objects keyed by object
// path. Blocks are immutable once written, so entries never go stale; they
// are removed only by eviction or when their chunk is dropped.
type BlockCache struct {
	maxBytes int64
	metrics  Metrics

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

type cacheEntry struct {
	objectPath string
	data       []byte
}

// NewBlockCache creates a cache holding at most maxBytes of block data.
func NewBlockCache(maxBytes int64) (*BlockCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: maxBytes must be positive, got %d", maxBytes)
	}
	return &BlockCache{
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}, nil
}

// Get returns the cached block for an object path.
func (c *BlockCache) Get(objectPath string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[objectPath]
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.metrics.Hits.Add(1)
	return elem.Value.(*cacheEntry).data, true
}

// Put stores a block, evicting least recently used entries if the budget is
// exceeded. A block larger than the whole budget is not cached.
func (c *BlockCache) Put(objectPath string, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[objectPath]; ok {
		// Blocks are immutable; a re-put just refreshes recency.
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[objectPath] = c.lru.PushFront(&cacheEntry{objectPath: objectPath, data: data})
	c.metrics.Entries.Add(1)
	c.metrics.SizeBytes.Add(size)

	for c.metrics.SizeBytes.Load() > c.maxBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.metrics.Evictions.Add(1)
	}
}

// Remove drops an entry, e.g. when retention deletes the chunk's block.
func (c *BlockCache) Remove(objectPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[objectPath]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

func (c *BlockCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.objectPath)
	c.metrics.Entries.Add(-1)
	c.metrics.SizeBytes.Add(-int64(len(entry.data)))
}

// HitRate returns the cache hit rate as a percentage.
func (c *BlockCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Stats returns current counters.
func (c *BlockCache) Stats() (hits, misses, evictions, entries, size int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(),
		c.metrics.Entries.Load(), c.metrics.SizeBytes.Load()
}

// Size returns the cached bytes.
func (c *BlockCache) Size() int64 { return c.metrics.SizeBytes.Load() }

// Capacity returns the byte budget.
func (c *BlockCache) Capacity() int64 { return c.maxBytes }
