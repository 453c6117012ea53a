package kv

import (
	"errors"
	"fmt"

	"managed-kvstore/internal/managed"
	"managed-kvstore/internal/storage"
)

var (
	// ErrClosed is returned by operations on a closed store or provider.
	ErrClosed = errors.New("store closed")
	// ErrConflictingOptions means a store is already open under the same
	// identity with a different backend or different codecs.
	ErrConflictingOptions = errors.New("conflicting options for open store")
)

// BackendOpenError means the engine behind a store could not be opened. The
// failed open is not cached, so calling Open again retries.
type BackendOpenError struct {
	Backend storage.Kind
	Store   string
	Err     error
}

func (e *BackendOpenError) Error() string {
	return fmt.Sprintf("failed to open %s backend for store %s: %v", e.Backend, e.Store, e.Err)
}

func (e *BackendOpenError) Unwrap() error { return e.Err }

// InsertionExhaustedError is returned when every generated key collided.
type InsertionExhaustedError struct {
	Store    string
	Attempts int
}

func (e *InsertionExhaustedError) Error() string {
	return fmt.Sprintf("store %s: no free key after %d attempts", e.Store, e.Attempts)
}

// FlushError means a store could not make its writes durable.
type FlushError struct {
	Store string
	Mode  managed.FlushMode
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("store %s: %s flush failed: %v", e.Store, e.Mode, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }
