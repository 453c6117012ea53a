// Package cache holds the read cache placed in front of persistent engines.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// ClearCacheMode tells a cache how aggressively to shrink when a store flushes.
type ClearCacheMode int

const (
	// CompactIfNecessary drops expired items and trims down to the soft limit.
	CompactIfNecessary ClearCacheMode = iota
	// ForceClearAll empties the cache.
	ForceClearAll
)

func (m ClearCacheMode) String() string {
	switch m {
	case CompactIfNecessary:
		return "compact_if_necessary"
	case ForceClearAll:
		return "force_clear_all"
	default:
		return "unknown"
	}
}

// Cache is the read-cache contract used by write-behind engines.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V, ttl time.Duration) bool
	Delete(key K) bool
	Clear()
	Compact(mode ClearCacheMode, softLimit int) int
	Len() int
	Stats() CacheStats
	Close() error
}

// CacheStats provides statistics about cache operations
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
	HitRatio  float64
}

// LRUCache is a bounded least-recently-used cache with optional per-entry TTL.
// Values pass through copyFn on the way in and out, so callers never share
// memory with the cache.
type LRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	copyFn   func(V) V
	order    *list.List // front is most recently used
	items    map[K]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New creates a cache holding at most capacity entries. A nil copyFn stores
// values as given.
func New[K comparable, V any](capacity int, copyFn func(V) V) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if copyFn == nil {
		copyFn = func(v V) V { return v }
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		copyFn:   copyFn,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}
}

// NewLRUCache creates the byte cache used by engines, keyed by the string form
// of the encoded key.
func NewLRUCache(capacity int) *LRUCache[string, []byte] {
	return New[string, []byte](capacity, copyBytes)
}

var _ Cache[string, []byte] = (*LRUCache[string, []byte])(nil)

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if e.expired(time.Now()) {
		c.remove(el)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return c.copyFn(e.value), true
}

// Put stores value under key. A positive ttl expires the entry after that
// long; otherwise it lives until evicted.
func (c *LRUCache[K, V]) Put(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = c.copyFn(value)
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return true
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: c.copyFn(value), expiresAt: expiresAt})
	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
	return true
}

// Delete reports whether key was cached.
func (c *LRUCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(el)
	return true
}

func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Compact shrinks the cache according to mode and returns the number of removed items.
// With CompactIfNecessary, expired items go first and then least recently used ones
// until at most softLimit items remain. A non-positive softLimit keeps capacity as the limit.
func (c *LRUCache[K, V]) Compact(mode ClearCacheMode, softLimit int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.order.Len()
	if mode == ForceClearAll {
		c.reset()
		return before
	}

	c.removeExpired(time.Now())
	if softLimit <= 0 || softLimit > c.capacity {
		softLimit = c.capacity
	}
	for c.order.Len() > softLimit {
		c.evictOldest()
	}
	return before - c.order.Len()
}

// Len returns the number of cached items, including expired ones not yet collected.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRatio := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRatio = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		HitRatio:  hitRatio,
	}
}

func (c *LRUCache[K, V]) Close() error {
	c.Clear()
	return nil
}

// CleanupExpired removes expired items and returns how many were removed.
func (c *LRUCache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpired(time.Now())
}

func (c *LRUCache[K, V]) removeExpired(now time.Time) int {
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry[K, V]).expired(now) {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *LRUCache[K, V]) evictOldest() {
	if el := c.order.Back(); el != nil {
		c.remove(el)
		c.evictions++
	}
}

func (c *LRUCache[K, V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}

func (c *LRUCache[K, V]) reset() {
	c.order.Init()
	c.items = make(map[K]*list.Element)
}
