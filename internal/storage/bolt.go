package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"managed-kvstore/internal/managed"
)

// BoltConfig is read from the db.bolt.* settings.
type BoltConfig struct {
	Path            string
	Timeout         time.Duration // how long to wait for the file lock
	InitialMmapSize int
	NoSync          bool
}

// BoltEngine stores one store per file in a single bucket. Bolt serializes
// write transactions, which makes PutIfAbsent atomic.
type BoltEngine struct {
	db        *bolt.DB
	config    BoltConfig
	bucket    []byte
	release   func()
	closeOnce sync.Once
	closeErr  error
}

var (
	_ Engine      = (*BoltEngine)(nil)
	_ BatchWriter = (*BoltEngine)(nil)
	_ Dropper     = (*BoltEngine)(nil)
)

var boltBucket = []byte("kv")

func NewBoltEngine(config BoltConfig) (*BoltEngine, error) {
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout:         config.Timeout,
		InitialMmapSize: config.InitialMmapSize,
		NoSync:          config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltEngine{db: db, config: config, bucket: boltBucket, release: func() {}}, nil
}

func (e *BoltEngine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(e.bucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = clone(v)
		return nil
	})
	return value, e.wrap(err)
}

func (e *BoltEngine) Put(key, value []byte) error {
	return e.wrap(e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(e.bucket).Put(key, clone(value))
	}))
}

func (e *BoltEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	var existing []byte
	loaded := false
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(e.bucket)
		if v := b.Get(key); v != nil {
			existing = clone(v)
			loaded = true
			return nil
		}
		return b.Put(key, clone(value))
	})
	if err != nil {
		return nil, false, e.wrap(err)
	}
	return existing, loaded, nil
}

func (e *BoltEngine) Delete(key []byte) (bool, error) {
	existed := false
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(e.bucket)
		if b.Get(key) == nil {
			return nil
		}
		existed = true
		return b.Delete(key)
	})
	return existed, e.wrap(err)
}

func (e *BoltEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	return e.wrap(e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(e.bucket)
		for _, item := range puts {
			if err := b.Put(item.Key, clone(item.Value)); err != nil {
				return err
			}
		}
		for _, key := range deletes {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (e *BoltEngine) Scan(fn func(key, value []byte) bool) error {
	return e.wrap(e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(e.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	}))
}

func (e *BoltEngine) Size() (int64, error) {
	var n int64
	err := e.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(e.bucket).Stats().KeyN)
		return nil
	})
	return n, e.wrap(err)
}

func (e *BoltEngine) Clear() error {
	return e.wrap(e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(e.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(e.bucket)
		return err
	}))
}

// Flush fsyncs the file for full modes. It only matters when NoSync is set;
// otherwise every commit is already durable.
func (e *BoltEngine) Flush(mode managed.FlushMode) error {
	if !mode.IsFull() {
		return nil
	}
	return e.wrap(e.db.Sync())
}

func (e *BoltEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.db.Close()
		e.release()
	})
	return e.closeErr
}

func (e *BoltEngine) Drop() error {
	if err := e.Close(); err != nil {
		return err
	}
	if err := os.Remove(e.config.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (e *BoltEngine) wrap(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrEngineClosed
	}
	return err
}

type boltFactory struct {
	base     string
	template BoltConfig
}

func newBoltFactory(o FactoryOptions) *boltFactory {
	s := o.Settings
	return &boltFactory{
		base: s.GetString("db.bolt.path", filepath.Join(o.DataPath, "bolt")),
		template: BoltConfig{
			Timeout:         s.GetDuration("db.bolt.timeout", time.Second),
			InitialMmapSize: s.GetInt("db.bolt.max.map.size", 0),
			NoSync:          s.GetBool("db.bolt.no.sync", false),
		},
	}
}

func (f *boltFactory) Kind() Kind { return Bolt }

func (f *boltFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	config := f.template
	config.Path = filepath.Join(f.base, name+".db")
	release, err := processClaims.claim(fileLocation(config.Path))
	if err != nil {
		return nil, err
	}

	engine, err := NewBoltEngine(config)
	if err != nil {
		release()
		return nil, err
	}
	engine.release = release
	return engine, nil
}

func (f *boltFactory) Close() error { return nil }
