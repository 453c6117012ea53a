package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/managed"
)

// BadgerConfig is read from the db.badger.* settings.
type BadgerConfig struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration // zero disables value log GC
	GCRatio    float64
}

// badgerConflictRetries bounds PutIfAbsent retries after a transaction conflict.
const badgerConflictRetries = 16

type BadgerEngine struct {
	db      *badger.DB
	config  BadgerConfig
	logger  *logging.Logger
	release func()
	stopGC  chan struct{}
	gcDone  chan struct{}
	closeMu sync.Mutex
	closed  bool
}

var (
	_ Engine      = (*BadgerEngine)(nil)
	_ BatchWriter = (*BadgerEngine)(nil)
	_ Dropper     = (*BadgerEngine)(nil)
)

func NewBadgerEngine(config BadgerConfig, logger *logging.Logger) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(config.Dir)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	if logger == nil {
		logger = logging.Nop()
	}
	engine := &BadgerEngine{
		db:      db,
		config:  config,
		logger:  logger,
		release: func() {},
	}

	if config.GCInterval > 0 && !config.InMemory {
		if engine.config.GCRatio <= 0 || engine.config.GCRatio >= 1 {
			engine.config.GCRatio = 0.7
		}
		engine.stopGC = make(chan struct{})
		engine.gcDone = make(chan struct{})
		go engine.runGC()
	}

	return engine, nil
}

func (e *BadgerEngine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, e.wrap(err)
}

func (e *BadgerEngine) Put(key, value []byte) error {
	return e.wrap(e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

// PutIfAbsent relies on badger's serializable transactions: a concurrent write
// of the same key makes the commit fail with ErrConflict, and the check is retried.
func (e *BadgerEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		var existing []byte
		loaded := false
		err := e.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err == nil {
				existing, err = item.ValueCopy(nil)
				loaded = err == nil
				return err
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(key, value)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, e.wrap(err)
		}
		return existing, loaded, nil
	}
	return nil, false, fmt.Errorf("put-if-absent: %w after %d attempts", badger.ErrConflict, badgerConflictRetries)
}

func (e *BadgerEngine) Delete(key []byte) (bool, error) {
	existed := false
	err := e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	return existed, e.wrap(err)
}

// WriteBatch applies puts and deletes through a badger write batch, which
// splits work that would not fit a single transaction.
func (e *BadgerEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	wb := e.db.NewWriteBatch()

	for _, item := range puts {
		if err := wb.Set(item.Key, item.Value); err != nil {
			wb.Cancel()
			return e.wrap(err)
		}
	}
	for _, key := range deletes {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return e.wrap(err)
		}
	}
	return e.wrap(wb.Flush())
}

func (e *BadgerEngine) Scan(fn func(key, value []byte) bool) error {
	return e.wrap(e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 64
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			cont := true
			if err := item.Value(func(v []byte) error {
				cont = fn(item.Key(), v)
				return nil
			}); err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	}))
}

func (e *BadgerEngine) Size() (int64, error) {
	var n int64
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, e.wrap(err)
}

func (e *BadgerEngine) Clear() error {
	return e.wrap(e.db.DropAll())
}

// Flush syncs the value log for full modes. Incremental is a no-op.
func (e *BadgerEngine) Flush(mode managed.FlushMode) error {
	if !mode.IsFull() || e.config.InMemory {
		return nil
	}
	return e.wrap(e.db.Sync())
}

func (e *BadgerEngine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.stopGC != nil {
		close(e.stopGC)
		<-e.gcDone
	}
	err := e.db.Close()
	e.release()
	if err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	return nil
}

func (e *BadgerEngine) Drop() error {
	if err := e.Close(); err != nil {
		return err
	}
	if e.config.InMemory || e.config.Dir == "" {
		return nil
	}
	return os.RemoveAll(e.config.Dir)
}

func (e *BadgerEngine) wrap(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrEngineClosed
	}
	return err
}

func (e *BadgerEngine) runGC() {
	defer close(e.gcDone)
	ticker := time.NewTicker(e.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopGC:
			return
		case <-ticker.C:
			rounds := 0
			for e.db.RunValueLogGC(e.config.GCRatio) == nil {
				rounds++
			}
			e.logger.Debug("Badger value log GC completed", "dir", e.config.Dir, "rewrites", rounds)
		}
	}
}

type badgerFactory struct {
	base     string
	template BadgerConfig
	logger   *logging.Logger
	claims   *claimSet
}

func newBadgerFactory(o FactoryOptions) *badgerFactory {
	s := o.Settings
	return &badgerFactory{
		base: s.GetString("db.badger.path", filepath.Join(o.DataPath, "badger")),
		template: BadgerConfig{
			InMemory:   s.GetBool("db.badger.in.memory", false),
			SyncWrites: s.GetBool("db.badger.sync.writes", false),
			GCInterval: s.GetDuration("db.badger.gc.interval", 0),
			GCRatio:    0.7,
		},
		logger: o.Logger,
		claims: newClaimSet(),
	}
}

func (f *badgerFactory) Kind() Kind { return Badger }

func (f *badgerFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	config := f.template
	var release func()
	var err error
	if config.InMemory {
		release, err = f.claims.claim(name)
	} else {
		config.Dir = filepath.Join(f.base, name)
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		release, err = processClaims.claim(fileLocation(config.Dir))
	}
	if err != nil {
		return nil, err
	}

	engine, err := NewBadgerEngine(config, f.logger)
	if err != nil {
		release()
		return nil, err
	}
	engine.release = release
	return engine, nil
}

func (f *badgerFactory) Close() error { return nil }
