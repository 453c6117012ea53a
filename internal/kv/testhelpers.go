package kv

import (
	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/storage"
)

// DropAndRecreate deletes the data of the store for opts and opens it again
// empty. It exists for tests; production code has no way to drop a store.
func DropAndRecreate[K, V any](p *Provider, opts StoreOptions[K, V]) (KeyValueStore[K, V], error) {
	s, err := Open(p, opts)
	if err != nil {
		return nil, err
	}
	if err := s.(handle).drop(); err != nil {
		return nil, err
	}
	return Open(p, opts)
}

// NewMemoryStore returns a store over a private in-memory engine with codecs
// from the default registry. It is not cached by any provider.
func NewMemoryStore[K, V any](name string) (KeyValueStore[K, V], error) {
	opts := NewOptions[K, V](name)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	keys, values, err := opts.resolveCodecs(codec.NewDefaultRegistry())
	if err != nil {
		return nil, err
	}
	return newStore(opts.Identity(), storage.Memory, storage.NewMemoryEngine(), keys, values, nil, logging.Nop()), nil
}
