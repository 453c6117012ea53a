package kv

import (
	"fmt"

	"managed-kvstore/internal/logging"
)

// KeyGenerator produces one candidate key per call. Candidates may repeat.
type KeyGenerator[K any] interface {
	Next() K
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc[K any] func() K

func (f KeyGeneratorFunc[K]) Next() K { return f() }

// Inserter stores values under freshly generated keys, retrying when a key is
// taken. Collisions are resolved by PutIfAbsent, so concurrent inserters on one
// store never overwrite each other.
type Inserter[K, V any] struct {
	store       KeyValueStore[K, V]
	keys        KeyGenerator[K]
	maxAttempts int
	logger      *logging.Logger
}

// NewInserter returns an inserter trying at most maxAttempts keys per insert.
// A nil logger discards the exhaustion log.
func NewInserter[K, V any](store KeyValueStore[K, V], keys KeyGenerator[K], maxAttempts int, logger *logging.Logger) (*Inserter[K, V], error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("maxAttempts must be positive, got %d", maxAttempts)
	}
	if store == nil || keys == nil {
		return nil, fmt.Errorf("inserter needs a store and a key generator")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Inserter[K, V]{
		store:       store,
		keys:        keys,
		maxAttempts: maxAttempts,
		logger:      logger.WithComponent("inserter"),
	}, nil
}

// InsertOrFail generates a key, builds its value with valueFn and stores it if
// the key is free. It returns *InsertionExhaustedError after maxAttempts
// collisions. Store errors are returned as they occur.
func (i *Inserter[K, V]) InsertOrFail(valueFn func(key K) V) (K, V, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		key := i.keys.Next()
		value := valueFn(key)

		_, loaded, err := i.store.PutIfAbsent(key, value)
		if err != nil {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, err
		}
		if !loaded {
			return key, value, nil
		}
	}

	i.logger.Warn("Key insertion exhausted", "store", i.store.Name(), "attempts", i.maxAttempts)
	var zeroK K
	var zeroV V
	return zeroK, zeroV, &InsertionExhaustedError{Store: i.store.Name(), Attempts: i.maxAttempts}
}
