package kv

import (
	"time"

	"managed-kvstore/internal/logging"
)

// Operation names reported in Stat.Op.
const (
	OpGet         = "get"
	OpGetAll      = "get_all"
	OpContainsKey = "contains_key"
	OpPut         = "put"
	OpPutIfAbsent = "put_if_absent"
	OpPutAll      = "put_all"
	OpRemove      = "remove"
	OpRemoveAll   = "remove_all"
	OpScan        = "scan"
	OpSize        = "size"
	OpClear       = "clear"
	OpFlush       = "flush"
	OpClose       = "close"
)

// Stat describes one completed store operation. Count is the number of keys
// touched, or the batch size for the multi-key operations and Scan.
type Stat struct {
	Store   string
	Op      string
	Count   int
	Elapsed time.Duration
	Err     error
}

// StatsListener receives a Stat after every store operation. Report is called
// synchronously on the caller's goroutine and should return quickly.
type StatsListener interface {
	Report(Stat)
}

// StatsListenerFunc adapts a function to StatsListener.
type StatsListenerFunc func(Stat)

func (f StatsListenerFunc) Report(s Stat) { f(s) }

// MultiListener fans a Stat out to every listener in order.
type MultiListener []StatsListener

func (m MultiListener) Report(s Stat) {
	for _, l := range m {
		if l != nil {
			l.Report(s)
		}
	}
}

// tracker reports stats for one store. A nil listener reports nothing.
type tracker struct {
	store    string
	listener StatsListener
	logger   *logging.Logger
}

func (t *tracker) start() time.Time {
	if t.listener == nil {
		return time.Time{}
	}
	return time.Now()
}

// done reports the operation. A panicking listener is logged and never fails
// the operation.
func (t *tracker) done(op string, count int, started time.Time, err error) {
	if t.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Stats listener panicked", "store", t.store, "operation", op, "panic", r)
		}
	}()
	t.listener.Report(Stat{
		Store:   t.store,
		Op:      op,
		Count:   count,
		Elapsed: time.Since(started),
		Err:     err,
	})
}
