// Package managed defines the flush contract of stores that cache writes and the
// janitor that periodically flushes them.
package managed

import (
	"fmt"
	"strings"

	"managed-kvstore/internal/cache"
)

// FlushMode states what a flush must guarantee.
type FlushMode int

const (
	// Incremental is a hint; implementations may do nothing.
	Incremental FlushMode = iota
	// FullCompact makes every accepted write durable. The cache may be kept.
	FullCompact
	// FullClear makes every accepted write durable and empties the cache.
	FullClear
)

func (m FlushMode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case FullCompact:
		return "full_compact"
	case FullClear:
		return "full_clear"
	default:
		return fmt.Sprintf("flush_mode(%d)", int(m))
	}
}

// IsFull reports whether the mode requires durability.
func (m FlushMode) IsFull() bool {
	return m == FullCompact || m == FullClear
}

func (m FlushMode) ClearCacheMode() cache.ClearCacheMode {
	if m == FullClear {
		return cache.ForceClearAll
	}
	return cache.CompactIfNecessary
}

func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "incremental", "":
		return Incremental, nil
	case "full_compact", "compact":
		return FullCompact, nil
	case "full_clear", "clear":
		return FullClear, nil
	default:
		return Incremental, fmt.Errorf("unknown flush mode: %s", s)
	}
}

// ManagedPersistence is implemented by stores whose writes may sit in memory
// until flushed. Close is Flush(FullClear) followed by releasing the backend and
// must be safe to call more than once.
type ManagedPersistence interface {
	Flush(mode FlushMode) error
	Close() error
}
