// Package cache implements the shared in-memory LRU response cache: a
// bounded-size mapping from raw request bytes to cached response bytes,
// with a doubly-linked recency list and a single sync.RWMutex guarding
// both. The lock is not reader-preferring: a waiting writer blocks new
// readers.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// entryOverhead approximates the fixed per-entry bookkeeping cost (list
// node, map bucket, timestamps, counters) counted toward the total byte
// budget alongside key and body length.
const entryOverhead = 64

// Entry is an immutable (in Body) snapshot of a cached response, returned
// from Lookup. Body must not be mutated by callers: the cache may still
// hold the same backing array.
type Entry struct {
	Body         []byte
	InsertedAt   time.Time
	LastAccessAt time.Time
	AccessCount  uint64
}

// node is the cache's internal, mutable representation of one entry; it
// is reachable both from the recency list and from the index, and the
// two are always kept consistent.
type node struct {
	key          string
	body         []byte
	insertedAt   time.Time
	lastAccessAt time.Time
	accessCount  uint64
}

func (n *node) size() int64 {
	return int64(len(n.key)) + int64(len(n.body)) + entryOverhead
}

// Cache is the bounded LRU response cache. Keys are compared as exact
// byte sequences — no normalization.
type Cache struct {
	mu         sync.RWMutex
	index      map[string]*list.Element // keyed by string(key) for O(1) lookup
	order      *list.List               // front = most-recently-used, back = least
	totalBytes int64

	maxTotalBytes int64
	maxEntryBytes int64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New constructs an empty cache bounded by maxTotalBytes and
// maxEntryBytes.
func New(maxTotalBytes, maxEntryBytes int64) *Cache {
	return &Cache{
		index:         make(map[string]*list.Element),
		order:         list.New(),
		maxTotalBytes: maxTotalBytes,
		maxEntryBytes: maxEntryBytes,
	}
}

// Lookup returns a snapshot of the entry for key, promoting it to the
// head of the recency list as a side effect. The read path takes the
// read lock to find the entry, then releases it and reacquires as a
// writer to perform the promotion, re-validating that the entry (by
// key) still exists rather than holding the write lock for the whole
// call.
func (c *Cache) Lookup(key []byte) (Entry, bool) {
	k := string(key)

	c.mu.RLock()
	_, ok := c.index[k]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}

	c.mu.Lock()
	elem, ok := c.index[k]
	if !ok {
		// Evicted between the read-lock check and the write-lock upgrade.
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	n := elem.Value.(*node)
	n.lastAccessAt = time.Now()
	n.accessCount++
	c.order.MoveToFront(elem)
	snapshot := Entry{
		Body:         n.body,
		InsertedAt:   n.insertedAt,
		LastAccessAt: n.lastAccessAt,
		AccessCount:  n.accessCount,
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return snapshot, true
}

// Insert attempts to store body under key. It returns false (rejected,
// not cached) when the entry alone exceeds the per-entry byte limit;
// this is not an error surfaced to the client. Otherwise it evicts
// least-recently-used entries, tail-to-head, until the new entry fits
// within the total byte budget, then prepends it at the head. A
// duplicate key replaces the existing entry, also at the head. Eviction
// and insertion are one atomic critical section, so a concurrent insert
// arriving during eviction always observes a consistent size.
func (c *Cache) Insert(key, body []byte) bool {
	n := &node{
		key:          string(key),
		body:         body,
		insertedAt:   time.Now(),
		lastAccessAt: time.Now(),
		accessCount:  0,
	}
	size := n.size()
	if size > c.maxEntryBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[n.key]; ok {
		c.removeLocked(existing)
	}

	for c.totalBytes+size > c.maxTotalBytes && c.order.Len() > 0 {
		c.removeLocked(c.order.Back())
	}

	elem := c.order.PushFront(n)
	c.index[n.key] = elem
	c.totalBytes += size
	return true
}

// EvictOne removes the least-recently-used entry; a no-op on an empty
// cache.
func (c *Cache) EvictOne() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if back := c.order.Back(); back != nil {
		c.removeLocked(back)
	}
}

// removeLocked detaches elem from both the list and the index. Caller
// must hold c.mu for writing.
func (c *Cache) removeLocked(elem *list.Element) {
	n := c.order.Remove(elem).(*node)
	delete(c.index, n.key)
	c.totalBytes -= n.size()
}

// Stats returns the cache's hit/miss counters and current footprint, for
// the periodic human-readable block and the Prometheus exposition
// (internal/metrics).
func (c *Cache) Stats() (hits, misses uint64, totalBytes int64, entries int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), c.totalBytes, c.order.Len()
}
