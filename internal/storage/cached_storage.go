package storage

import (
	"errors"
	"sync"
	"time"

	"managed-kvstore/internal/cache"
	"managed-kvstore/internal/config"
	"managed-kvstore/internal/managed"
)

// CachedConfig sizes the write-behind layer of a CachedEngine.
type CachedConfig struct {
	CacheSize      int
	TTL            time.Duration
	SoftLimit      int
	HardLimit      int
	FlushBatchSize int
}

// CachedConfigFrom converts the storage cache section of the config file.
func CachedConfigFrom(c config.CacheConfig) CachedConfig {
	return CachedConfig{
		CacheSize:      c.Size,
		TTL:            c.TTL,
		SoftLimit:      c.SoftLimit,
		HardLimit:      c.HardLimit,
		FlushBatchSize: c.FlushBatchSize,
	}
}

func (c CachedConfig) withDefaults() CachedConfig {
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = 1 << 12
	}
	if c.HardLimit < c.SoftLimit {
		c.HardLimit = 4 * c.SoftLimit
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 64
	}
	return c
}

type dirtyEntry struct {
	value   []byte
	deleted bool
}

// CachedEngine wraps an engine with an LRU read cache and a write-behind dirty
// set. Writes are acknowledged once they are in the dirty set and reach the
// engine on the next flush that writes, or when a new key would grow the
// dirty set past the hard limit. The wrapped engine must not be used by anything else.
type CachedEngine struct {
	engine Engine
	cache  *cache.LRUCache[string, []byte]
	config CachedConfig

	mu     sync.Mutex
	dirty  map[string]dirtyEntry
	closed bool
}

var (
	_ Engine                     = (*CachedEngine)(nil)
	_ managed.ManagedPersistence = (*CachedEngine)(nil)
)

// NewCachedEngine takes ownership of engine.
func NewCachedEngine(engine Engine, config CachedConfig) *CachedEngine {
	config = config.withDefaults()
	return &CachedEngine{
		engine: engine,
		cache:  cache.NewLRUCache(config.CacheSize),
		config: config,
		dirty:  make(map[string]dirtyEntry),
	}
}

// Get checks the dirty set, then the cache, then the engine.
func (c *CachedEngine) Get(key []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrEngineClosed
	}
	return c.getLocked(key)
}

func (c *CachedEngine) getLocked(key []byte) ([]byte, error) {
	k := string(key)
	if entry, ok := c.dirty[k]; ok {
		if entry.deleted {
			return nil, ErrKeyNotFound
		}
		return clone(entry.value), nil
	}
	if value, found := c.cache.Get(k); found {
		return value, nil
	}

	value, err := c.engine.Get(key)
	if err != nil {
		return nil, err
	}
	c.cache.Put(k, value, c.config.TTL)
	return value, nil
}

func (c *CachedEngine) Put(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEngineClosed
	}
	return c.writeLocked(key, dirtyEntry{value: clone(value)})
}

// PutIfAbsent is atomic because every write to the engine goes through c.mu.
func (c *CachedEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrEngineClosed
	}

	existing, err := c.getLocked(key)
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, ErrKeyNotFound):
		return nil, false, err
	}
	return nil, false, c.writeLocked(key, dirtyEntry{value: clone(value)})
}

func (c *CachedEngine) Delete(key []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrEngineClosed
	}

	_, err := c.getLocked(key)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return false, err
	}
	if !existed {
		return false, nil
	}
	return true, c.writeLocked(key, dirtyEntry{deleted: true})
}

// writeLocked makes room before accepting entry: a dirty set at the hard limit
// is written back first, and if that fails the write is refused untouched.
func (c *CachedEngine) writeLocked(key []byte, entry dirtyEntry) error {
	k := string(key)
	if _, pending := c.dirty[k]; !pending && len(c.dirty) >= c.config.HardLimit {
		if err := c.writeDirtyLocked(); err != nil {
			return err
		}
	}
	c.dirty[k] = entry
	if entry.deleted {
		c.cache.Delete(k)
	} else {
		c.cache.Put(k, entry.value, c.config.TTL)
	}
	return nil
}

// Scan writes pending entries first so the engine sees a complete view.
func (c *CachedEngine) Scan(fn func(key, value []byte) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEngineClosed
	}
	if err := c.writeDirtyLocked(); err != nil {
		return err
	}
	return c.engine.Scan(fn)
}

func (c *CachedEngine) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrEngineClosed
	}
	if err := c.writeDirtyLocked(); err != nil {
		return 0, err
	}
	return c.engine.Size()
}

func (c *CachedEngine) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEngineClosed
	}
	c.dirty = make(map[string]dirtyEntry)
	c.cache.Clear()
	return c.engine.Clear()
}

// Flush writes the dirty set for full modes, and for Incremental once it has
// reached the soft limit. Full modes then flush the engine and shrink the read
// cache: FullCompact trims it to the soft limit, FullClear empties it.
func (c *CachedEngine) Flush(mode managed.FlushMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEngineClosed
	}
	return c.flushLocked(mode)
}

func (c *CachedEngine) flushLocked(mode managed.FlushMode) error {
	if !mode.IsFull() {
		if len(c.dirty) < c.config.SoftLimit {
			return nil
		}
		if err := c.writeDirtyLocked(); err != nil {
			return err
		}
		return c.engine.Flush(mode)
	}

	if err := c.writeDirtyLocked(); err != nil {
		return err
	}
	if err := c.engine.Flush(mode); err != nil {
		return err
	}
	c.cache.Compact(mode.ClearCacheMode(), c.config.SoftLimit)
	return nil
}

// writeDirtyLocked sends the dirty set to the engine in batches. Entries are
// removed only after their batch succeeded, so a failed flush can be retried.
func (c *CachedEngine) writeDirtyLocked() error {
	if len(c.dirty) == 0 {
		return nil
	}

	batch := make([]string, 0, c.config.FlushBatchSize)
	for k := range c.dirty {
		batch = append(batch, k)
		if len(batch) == c.config.FlushBatchSize {
			if err := c.writeBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return c.writeBatch(batch)
	}
	return nil
}

func (c *CachedEngine) writeBatch(keys []string) error {
	if bw, ok := c.engine.(BatchWriter); ok {
		var puts []KeyValue
		var deletes [][]byte
		for _, k := range keys {
			entry := c.dirty[k]
			if entry.deleted {
				deletes = append(deletes, []byte(k))
			} else {
				puts = append(puts, KeyValue{Key: []byte(k), Value: entry.value})
			}
		}
		if err := bw.WriteBatch(puts, deletes); err != nil {
			return err
		}
		for _, k := range keys {
			delete(c.dirty, k)
		}
		return nil
	}

	for _, k := range keys {
		entry := c.dirty[k]
		var err error
		if entry.deleted {
			_, err = c.engine.Delete([]byte(k))
		} else {
			err = c.engine.Put([]byte(k), entry.value)
		}
		if err != nil {
			return err
		}
		delete(c.dirty, k)
	}
	return nil
}

// Pending returns the number of writes not yet handed to the engine.
func (c *CachedEngine) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// CacheStats reports the read cache counters.
func (c *CachedEngine) CacheStats() cache.CacheStats {
	return c.cache.Stats()
}

// Close is Flush(FullClear) followed by closing the engine. The engine is
// closed even when the flush fails; the flush error is returned.
func (c *CachedEngine) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	flushErr := c.flushLocked(managed.FullClear)
	closeErr := c.engine.Close()
	c.cache.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Drop discards pending writes and drops the wrapped engine when it supports it.
func (c *CachedEngine) Drop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dirty = make(map[string]dirtyEntry)
	c.cache.Close()
	if d, ok := c.engine.(Dropper); ok {
		return d.Drop()
	}
	return c.engine.Close()
}
