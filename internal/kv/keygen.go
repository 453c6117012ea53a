package kv

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"
)

// RandomInt64Keys draws non-negative keys uniformly at random.
func RandomInt64Keys() KeyGenerator[int64] {
	return KeyGeneratorFunc[int64](func() int64 {
		return rand.Int64()
	})
}

// SequentialKeys counts up from start. It is safe for concurrent use.
func SequentialKeys(start int64) KeyGenerator[int64] {
	var next atomic.Int64
	next.Store(start)
	return KeyGeneratorFunc[int64](func() int64 {
		return next.Add(1) - 1
	})
}

// UUIDKeys generates random version 4 UUID strings.
func UUIDKeys() KeyGenerator[string] {
	return KeyGeneratorFunc[string](uuid.NewString)
}
