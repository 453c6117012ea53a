// Package storage defines the byte-level contract every backend satisfies and
// the adapters for the supported engines.
package storage

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"managed-kvstore/internal/managed"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	// ErrLocationInUse means a physical location (directory, file, table) is
	// already held by a live engine in this process. It indicates a programming
	// error: the identity cache above the factories should make it impossible.
	ErrLocationInUse = errors.New("storage location already in use")
	ErrEngineClosed  = errors.New("engine closed")
	ErrInvalidName   = errors.New("invalid store name")
)

// Engine is a single named byte-keyed store.
type Engine interface {
	// Get returns ErrKeyNotFound when key is absent.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// PutIfAbsent stores value only if key is absent, atomically with respect to
	// every other writer of the engine. When key exists its current value is
	// returned with loaded set.
	PutIfAbsent(key, value []byte) (existing []byte, loaded bool, err error)
	// Delete reports whether key existed.
	Delete(key []byte) (bool, error)
	// Scan calls fn for every entry until fn returns false. The slices passed to
	// fn must not be retained, and fn must not call back into the engine.
	Scan(fn func(key, value []byte) bool) error
	Size() (int64, error)
	Clear() error
	Flush(mode managed.FlushMode) error
	// Close releases the engine. Calling it again is a no-op.
	Close() error
}

// KeyValue represents a key-value pair
type KeyValue struct {
	Key   []byte
	Value []byte
}

// BatchWriter is implemented by engines that can apply many writes in one
// round trip or transaction.
type BatchWriter interface {
	WriteBatch(puts []KeyValue, deletes [][]byte) error
}

// Dropper is implemented by engines that can delete their on-disk data. The
// engine is closed by Drop. Only test helpers call it.
type Dropper interface {
	Drop() error
}

// Factory opens engines of one Kind. Open must not be called twice for the
// same name while the first engine is open.
type Factory interface {
	Kind() Kind
	Open(name string) (Engine, error)
	Close() error
}

// Kind identifies a backend.
type Kind int

const (
	Memory Kind = iota
	Badger
	Bolt
	Pebble
	LevelDB
	Redis
	SQLite
)

var kindNames = map[Kind]string{
	Memory:  "memory",
	Badger:  "badger",
	Bolt:    "bolt",
	Pebble:  "pebble",
	LevelDB: "leveldb",
	Redis:   "redis",
	SQLite:  "sqlite",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Persistent reports whether data survives a close and reopen.
func (k Kind) Persistent() bool {
	return k != Memory
}

func Kinds() []Kind {
	return []Kind{Memory, Badger, Bolt, Pebble, LevelDB, Redis, SQLite}
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return Memory, fmt.Errorf("unknown storage backend: %q", s)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateName checks that name can be used as a directory, file or table name
// by every backend.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
