package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"managed-kvstore/internal/managed"
)

// PebbleConfig is read from the db.pebble.* settings.
type PebbleConfig struct {
	Dir             string
	CreateIfMissing bool
	CacheBytes      int64
	SyncWrites      bool
}

// PebbleEngine serializes writes through writeMu so that PutIfAbsent and
// Delete can check and write without another writer slipping in between.
// Pebble panics on use after close, so every operation checks closed first.
type PebbleEngine struct {
	db      *pebble.DB
	config  PebbleConfig
	write   *pebble.WriteOptions
	writeMu sync.Mutex
	release func()
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var (
	_ Engine      = (*PebbleEngine)(nil)
	_ BatchWriter = (*PebbleEngine)(nil)
	_ Dropper     = (*PebbleEngine)(nil)
)

func NewPebbleEngine(config PebbleConfig) (*PebbleEngine, error) {
	opts := &pebble.Options{ErrorIfNotExists: !config.CreateIfMissing}
	if config.CacheBytes > 0 {
		cache := pebble.NewCache(config.CacheBytes)
		defer cache.Unref()
		opts.Cache = cache
	}

	db, err := pebble.Open(config.Dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	write := pebble.NoSync
	if config.SyncWrites {
		write = pebble.Sync
	}
	return &PebbleEngine{db: db, config: config, write: write, release: func() {}}, nil
}

func (e *PebbleEngine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	value, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return clone(value), nil
}

func (e *PebbleEngine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.db.Set(key, value, e.write)
}

func (e *PebbleEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.Get(key)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}
	return nil, false, e.db.Set(key, value, e.write)
}

func (e *PebbleEngine) Delete(key []byte) (bool, error) {
	if e.closed.Load() {
		return false, ErrEngineClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.Get(key); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, e.db.Delete(key, e.write)
}

func (e *PebbleEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	b := e.db.NewBatch()
	defer b.Close()
	for _, item := range puts {
		if err := b.Set(item.Key, item.Value, nil); err != nil {
			return err
		}
	}
	for _, key := range deletes {
		if err := b.Delete(key, nil); err != nil {
			return err
		}
	}
	return b.Commit(e.write)
}

func (e *PebbleEngine) Scan(fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	iter := e.db.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Close()
}

func (e *PebbleEngine) Size() (int64, error) {
	var n int64
	err := e.Scan(func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (e *PebbleEngine) Clear() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	b := e.db.NewBatch()
	defer b.Close()
	iter := e.db.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := b.Delete(clone(iter.Key()), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	return b.Commit(e.write)
}

// Flush writes the memtable to sstables for full modes.
func (e *PebbleEngine) Flush(mode managed.FlushMode) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !mode.IsFull() {
		return nil
	}
	return e.db.Flush()
}

func (e *PebbleEngine) Close() error {
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		e.closed.Store(true)
		e.writeMu.Unlock()
		e.closeErr = e.db.Close()
		e.release()
	})
	return e.closeErr
}

func (e *PebbleEngine) Drop() error {
	if err := e.Close(); err != nil {
		return err
	}
	return os.RemoveAll(e.config.Dir)
}

type pebbleFactory struct {
	base     string
	template PebbleConfig
}

func newPebbleFactory(o FactoryOptions) *pebbleFactory {
	s := o.Settings
	return &pebbleFactory{
		base: s.GetString("db.pebble.path", filepath.Join(o.DataPath, "pebble")),
		template: PebbleConfig{
			CreateIfMissing: s.GetBool("db.pebble.create.if.missing", true),
			CacheBytes:      s.GetInt64("db.pebble.cache.bytes", 8<<20),
			SyncWrites:      s.GetBool("db.pebble.sync.writes", false),
		},
	}
}

func (f *pebbleFactory) Kind() Kind { return Pebble }

func (f *pebbleFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	config := f.template
	config.Dir = filepath.Join(f.base, name)
	release, err := processClaims.claim(fileLocation(config.Dir))
	if err != nil {
		return nil, err
	}

	engine, err := NewPebbleEngine(config)
	if err != nil {
		release()
		return nil, err
	}
	engine.release = release
	return engine, nil
}

func (f *pebbleFactory) Close() error { return nil }
