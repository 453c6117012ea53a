// Package kv provides typed key-value stores over the storage engines, the
// provider that keeps one live store per identity, and the retrying key inserter.
package kv

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/managed"
	"managed-kvstore/internal/storage"
)

// Entry is a single key/value pair.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// KeyValueStore is a typed handle on one backend engine. All methods may block
// on I/O. A write is visible to reads as soon as the writing call returns.
type KeyValueStore[K, V any] interface {
	Name() string
	Backend() storage.Kind
	// Get reports found=false when key is absent.
	Get(key K) (value V, found bool, err error)
	// GetAll returns values and found flags positionally matching keys.
	GetAll(keys []K) (values []V, found []bool, err error)
	ContainsKey(key K) (bool, error)
	Put(key K, value V) error
	// PutIfAbsent stores value only if key is absent, atomically with respect
	// to every writer of the store. When key exists its value is returned with
	// loaded set.
	PutIfAbsent(key K, value V) (existing V, loaded bool, err error)
	PutAll(entries []Entry[K, V]) error
	// Remove reports whether key existed.
	Remove(key K) (bool, error)
	// RemoveAll deletes every key; absent keys are ignored.
	RemoveAll(keys []K) error
	// Scan calls fn for every entry until fn returns false. fn must not call
	// back into the store.
	Scan(fn func(key K, value V) bool) error
	Keys() ([]K, error)
	Size() (int64, error)
	IsEmpty() (bool, error)
	Clear() error
	managed.ManagedPersistence
}

// store is the KeyValueStore over a storage.Engine. mu guards closed: every
// operation holds it for reading, Close for writing.
type store[K, V any] struct {
	id     Identity
	kind   storage.Kind
	engine storage.Engine
	keys   codec.Codec[K]
	values codec.Codec[V]
	track  tracker

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	onClose func()
}

var _ KeyValueStore[string, string] = (*store[string, string])(nil)

func newStore[K, V any](id Identity, kind storage.Kind, engine storage.Engine, keys codec.Codec[K], values codec.Codec[V], listener StatsListener, logger *logging.Logger) *store[K, V] {
	return &store[K, V]{
		id:      id,
		kind:    kind,
		engine:  engine,
		keys:    keys,
		values:  values,
		track:   tracker{store: id.Name, listener: listener, logger: logger},
		done:    make(chan struct{}),
		onClose: func() {},
	}
}

func (s *store[K, V]) Name() string          { return s.id.Name }
func (s *store[K, V]) Backend() storage.Kind { return s.kind }

func (s *store[K, V]) Get(key K) (value V, found bool, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpGet, 1, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return value, false, ErrClosed
	}

	k, err := codec.Encode(s.keys, key)
	if err != nil {
		return value, false, err
	}
	raw, err := s.engine.Get(k)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	value, err = codec.Decode(s.values, raw)
	if err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (s *store[K, V]) GetAll(keys []K) (values []V, found []bool, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpGetAll, len(keys), started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	values = make([]V, len(keys))
	found = make([]bool, len(keys))
	for i, key := range keys {
		k, err := codec.Encode(s.keys, key)
		if err != nil {
			return nil, nil, err
		}
		raw, err := s.engine.Get(k)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if values[i], err = codec.Decode(s.values, raw); err != nil {
			return nil, nil, err
		}
		found[i] = true
	}
	return values, found, nil
}

// ContainsKey does not decode the stored value.
func (s *store[K, V]) ContainsKey(key K) (ok bool, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpContainsKey, 1, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	k, err := codec.Encode(s.keys, key)
	if err != nil {
		return false, err
	}
	_, err = s.engine.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *store[K, V]) encode(key K, value V) ([]byte, []byte, error) {
	k, err := codec.Encode(s.keys, key)
	if err != nil {
		return nil, nil, err
	}
	v, err := codec.Encode(s.values, value)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

func (s *store[K, V]) Put(key K, value V) (err error) {
	started := s.track.start()
	defer func() { s.track.done(OpPut, 1, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	k, v, err := s.encode(key, value)
	if err != nil {
		return err
	}
	return s.engine.Put(k, v)
}

func (s *store[K, V]) PutIfAbsent(key K, value V) (existing V, loaded bool, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpPutIfAbsent, 1, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return existing, false, ErrClosed
	}

	k, v, err := s.encode(key, value)
	if err != nil {
		return existing, false, err
	}
	raw, loaded, err := s.engine.PutIfAbsent(k, v)
	if err != nil || !loaded {
		return existing, false, err
	}
	existing, err = codec.Decode(s.values, raw)
	return existing, true, err
}

// PutAll encodes every entry before writing any, so an encoding failure
// writes nothing. Engines that batch apply the entries in one call.
func (s *store[K, V]) PutAll(entries []Entry[K, V]) (err error) {
	started := s.track.start()
	defer func() { s.track.done(OpPutAll, len(entries), started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	encoded := make([]storage.KeyValue, len(entries))
	for i, e := range entries {
		k, v, err := s.encode(e.Key, e.Value)
		if err != nil {
			return err
		}
		encoded[i] = storage.KeyValue{Key: k, Value: v}
	}

	if bw, ok := s.engine.(storage.BatchWriter); ok {
		return bw.WriteBatch(encoded, nil)
	}
	for _, item := range encoded {
		if err := s.engine.Put(item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *store[K, V]) Remove(key K) (existed bool, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpRemove, 1, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	k, err := codec.Encode(s.keys, key)
	if err != nil {
		return false, err
	}
	return s.engine.Delete(k)
}

// RemoveAll encodes every key before deleting any. Engines that batch apply
// the deletes in one call.
func (s *store[K, V]) RemoveAll(keys []K) (err error) {
	started := s.track.start()
	defer func() { s.track.done(OpRemoveAll, len(keys), started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	deletes := make([][]byte, len(keys))
	for i, key := range keys {
		if deletes[i], err = codec.Encode(s.keys, key); err != nil {
			return err
		}
	}

	if bw, ok := s.engine.(storage.BatchWriter); ok {
		return bw.WriteBatch(nil, deletes)
	}
	for _, k := range deletes {
		if _, err := s.engine.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Scan stops at the first entry that fails to decode and returns its error.
func (s *store[K, V]) Scan(fn func(key K, value V) bool) (err error) {
	visited := 0
	started := s.track.start()
	defer func() { s.track.done(OpScan, visited, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var decodeErr error
	err = s.engine.Scan(func(k, v []byte) bool {
		key, err := codec.Decode(s.keys, k)
		if err != nil {
			decodeErr = err
			return false
		}
		value, err := codec.Decode(s.values, v)
		if err != nil {
			decodeErr = err
			return false
		}
		visited++
		return fn(key, value)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (s *store[K, V]) Keys() ([]K, error) {
	var keys []K
	err := s.Scan(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

func (s *store[K, V]) Size() (n int64, err error) {
	started := s.track.start()
	defer func() { s.track.done(OpSize, 0, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.engine.Size()
}

func (s *store[K, V]) IsEmpty() (bool, error) {
	n, err := s.Size()
	return n == 0, err
}

func (s *store[K, V]) Clear() (err error) {
	started := s.track.start()
	defer func() { s.track.done(OpClear, 0, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.engine.Clear()
}

func (s *store[K, V]) Flush(mode managed.FlushMode) (err error) {
	started := s.track.start()
	defer func() { s.track.done(OpFlush, 0, started, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(mode)
}

func (s *store[K, V]) flushLocked(mode managed.FlushMode) error {
	if err := s.engine.Flush(mode); err != nil {
		return &FlushError{Store: s.id.Name, Mode: mode, Err: err}
	}
	return nil
}

// flushIfOpen is the janitor's entry point: a closed store is skipped, not an error.
func (s *store[K, V]) flushIfOpen(mode managed.FlushMode) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.flushLocked(mode)
}

// Close flushes with FullClear and releases the engine. The engine is released
// even if the flush fails. Closing a closed store does nothing.
func (s *store[K, V]) Close() (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	started := s.track.start()
	defer func() { s.track.done(OpClose, 0, started, err) }()

	s.closed = true
	var result *multierror.Error
	if err := s.flushLocked(managed.FullClear); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.mu.Unlock()

	s.release()
	return result.ErrorOrNil()
}

// drop deletes the engine's data instead of flushing it.
func (s *store[K, V]) drop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if d, ok := s.engine.(storage.Dropper); ok {
		err = d.Drop()
	} else {
		err = s.engine.Close()
	}
	s.mu.Unlock()

	s.release()
	return err
}

func (s *store[K, V]) release() {
	s.onClose()
	close(s.done)
}

func (s *store[K, V]) identity() Identity       { return s.id }
func (s *store[K, V]) closing() <-chan struct{} { return s.done }

// janitorRef lets the janitor flush a store without keeping it usable.
type janitorRef struct {
	flush func(managed.FlushMode) error
}

func (r janitorRef) Flush(mode managed.FlushMode) error { return r.flush(mode) }
func (r janitorRef) Close() error                       { return nil }
