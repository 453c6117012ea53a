package storage

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"managed-kvstore/internal/managed"
)

// MemoryEngine keeps entries in a concurrent map. Nothing survives Close.
type MemoryEngine struct {
	data    *xsync.MapOf[string, []byte]
	closed  atomic.Bool
	release func()
}

var (
	_ Engine      = (*MemoryEngine)(nil)
	_ BatchWriter = (*MemoryEngine)(nil)
	_ Dropper     = (*MemoryEngine)(nil)
)

// NewMemoryEngine returns a standalone engine that holds no location claim.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{data: xsync.NewMapOf[string, []byte](), release: func() {}}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryEngine) Get(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrEngineClosed
	}
	v, ok := m.data.Load(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return clone(v), nil
}

func (m *MemoryEngine) Put(key, value []byte) error {
	if m.closed.Load() {
		return ErrEngineClosed
	}
	m.data.Store(string(key), clone(value))
	return nil
}

func (m *MemoryEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	existing, loaded := m.data.LoadOrStore(string(key), clone(value))
	if loaded {
		return clone(existing), true, nil
	}
	return nil, false, nil
}

func (m *MemoryEngine) Delete(key []byte) (bool, error) {
	if m.closed.Load() {
		return false, ErrEngineClosed
	}
	_, existed := m.data.LoadAndDelete(string(key))
	return existed, nil
}

func (m *MemoryEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	if m.closed.Load() {
		return ErrEngineClosed
	}
	for _, kv := range puts {
		m.data.Store(string(kv.Key), clone(kv.Value))
	}
	for _, key := range deletes {
		m.data.Delete(string(key))
	}
	return nil
}

func (m *MemoryEngine) Scan(fn func(key, value []byte) bool) error {
	if m.closed.Load() {
		return ErrEngineClosed
	}
	m.data.Range(func(key string, value []byte) bool {
		return fn([]byte(key), value)
	})
	return nil
}

func (m *MemoryEngine) Size() (int64, error) {
	if m.closed.Load() {
		return 0, ErrEngineClosed
	}
	return int64(m.data.Size()), nil
}

func (m *MemoryEngine) Clear() error {
	if m.closed.Load() {
		return ErrEngineClosed
	}
	m.data.Clear()
	return nil
}

// Flush is a no-op: there is no backing medium.
func (m *MemoryEngine) Flush(managed.FlushMode) error {
	if m.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

func (m *MemoryEngine) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.data.Clear()
		m.release()
	}
	return nil
}

func (m *MemoryEngine) Drop() error {
	return m.Close()
}

// memoryFactory scopes names to itself: two factories never share data.
type memoryFactory struct {
	claims *claimSet
}

func newMemoryFactory() *memoryFactory {
	return &memoryFactory{claims: newClaimSet()}
}

func (*memoryFactory) Kind() Kind { return Memory }

func (f *memoryFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	release, err := f.claims.claim(name)
	if err != nil {
		return nil, err
	}
	e := NewMemoryEngine()
	e.release = release
	return e, nil
}

func (*memoryFactory) Close() error { return nil }
