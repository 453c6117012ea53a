package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"managed-kvstore/internal/managed"
)

// LevelDBConfig is read from the db.leveldb.* settings.
type LevelDBConfig struct {
	Dir              string
	CreateIfMissing  bool
	ParanoidChecks   bool
	BlockCacheBytes  int
	WriteBufferBytes int
	SyncWrites       bool
}

type LevelDBEngine struct {
	db      *leveldb.DB
	config  LevelDBConfig
	write   *opt.WriteOptions
	writeMu sync.Mutex
	release func()

	closeOnce sync.Once
	closeErr  error
}

var (
	_ Engine      = (*LevelDBEngine)(nil)
	_ BatchWriter = (*LevelDBEngine)(nil)
	_ Dropper     = (*LevelDBEngine)(nil)
)

func NewLevelDBEngine(config LevelDBConfig) (*LevelDBEngine, error) {
	o := &opt.Options{
		ErrorIfMissing:     !config.CreateIfMissing,
		BlockCacheCapacity: config.BlockCacheBytes,
		WriteBuffer:        config.WriteBufferBytes,
	}
	if config.ParanoidChecks {
		o.Strict = opt.StrictAll
	}

	db, err := leveldb.OpenFile(config.Dir, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb database: %w", err)
	}
	return &LevelDBEngine{
		db:      db,
		config:  config,
		write:   &opt.WriteOptions{Sync: config.SyncWrites},
		release: func() {},
	}, nil
}

func (e *LevelDBEngine) Get(key []byte) ([]byte, error) {
	value, err := e.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, e.wrap(err)
}

func (e *LevelDBEngine) Put(key, value []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.wrap(e.db.Put(key, value, e.write))
}

func (e *LevelDBEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.db.Get(key, nil)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, e.wrap(err)
	}
	return nil, false, e.wrap(e.db.Put(key, value, e.write))
}

func (e *LevelDBEngine) Delete(key []byte) (bool, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	has, err := e.db.Has(key, nil)
	if err != nil || !has {
		return false, e.wrap(err)
	}
	return true, e.wrap(e.db.Delete(key, e.write))
}

func (e *LevelDBEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	batch := new(leveldb.Batch)
	for _, item := range puts {
		batch.Put(item.Key, item.Value)
	}
	for _, key := range deletes {
		batch.Delete(key)
	}
	return e.wrap(e.db.Write(batch, e.write))
}

func (e *LevelDBEngine) Scan(fn func(key, value []byte) bool) error {
	iter := e.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return e.wrap(iter.Error())
}

func (e *LevelDBEngine) Size() (int64, error) {
	var n int64
	err := e.Scan(func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (e *LevelDBEngine) Clear() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	batch := new(leveldb.Batch)
	iter := e.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(clone(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return e.wrap(err)
	}
	return e.wrap(e.db.Write(batch, e.write))
}

// Flush compacts the whole key range for full modes, which writes the journal
// contents out to table files.
func (e *LevelDBEngine) Flush(mode managed.FlushMode) error {
	if !mode.IsFull() {
		return nil
	}
	return e.wrap(e.db.CompactRange(util.Range{}))
}

func (e *LevelDBEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.db.Close()
		e.release()
	})
	return e.closeErr
}

func (e *LevelDBEngine) Drop() error {
	if err := e.Close(); err != nil {
		return err
	}
	return os.RemoveAll(e.config.Dir)
}

func (e *LevelDBEngine) wrap(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrEngineClosed
	}
	return err
}

type levelDBFactory struct {
	base     string
	template LevelDBConfig
}

func newLevelDBFactory(o FactoryOptions) *levelDBFactory {
	s := o.Settings
	return &levelDBFactory{
		base: s.GetString("db.leveldb.path", filepath.Join(o.DataPath, "leveldb")),
		template: LevelDBConfig{
			CreateIfMissing:  s.GetBool("db.leveldb.create.if.missing", true),
			ParanoidChecks:   s.GetBool("db.leveldb.paranoid.checks", false),
			BlockCacheBytes:  s.GetInt("db.leveldb.cache.bytes", 8<<20),
			WriteBufferBytes: s.GetInt("db.leveldb.write.buffer.bytes", 4<<20),
			SyncWrites:       s.GetBool("db.leveldb.sync.writes", false),
		},
	}
}

func (f *levelDBFactory) Kind() Kind { return LevelDB }

func (f *levelDBFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	config := f.template
	config.Dir = filepath.Join(f.base, name)
	release, err := processClaims.claim(fileLocation(config.Dir))
	if err != nil {
		return nil, err
	}

	engine, err := NewLevelDBEngine(config)
	if err != nil {
		release()
		return nil, err
	}
	engine.release = release
	return engine, nil
}

func (f *levelDBFactory) Close() error { return nil }
