package managed

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"

	"managed-kvstore/internal/logging"
)

type registration struct {
	label string
	mp    ManagedPersistence
}

// Janitor issues Incremental flushes to every registered store, either on a
// fixed interval or when triggered. It never owns a store: closing a store
// unregisters it, and a store closed behind its back simply reports an error
// that is logged like any other sweep failure.
type Janitor struct {
	interval time.Duration
	logger   *logging.Logger

	seq     atomic.Uint64
	entries *xsync.MapOf[uint64, registration]

	sweepMu sync.Mutex
	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool

	sweeps   atomic.Int64
	failures atomic.Int64
}

func NewJanitor(interval time.Duration, logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Janitor{
		interval: interval,
		logger:   logger.WithComponent("janitor"),
		entries:  xsync.NewMapOf[uint64, registration](),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Register adds mp to every future sweep. The returned function removes it and
// is safe to call more than once.
func (j *Janitor) Register(label string, mp ManagedPersistence) (unregister func()) {
	id := j.seq.Add(1)
	j.entries.Store(id, registration{label: label, mp: mp})
	return func() { j.entries.Delete(id) }
}

// Len returns the number of registered stores.
func (j *Janitor) Len() int {
	return j.entries.Size()
}

// Sweep flushes every registered store with Incremental. A failure or panic in
// one store is logged and collected; the remaining stores are still flushed.
func (j *Janitor) Sweep() error {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	var result *multierror.Error
	j.entries.Range(func(_ uint64, r registration) bool {
		if err := flushIsolated(r.mp); err != nil {
			j.failures.Add(1)
			j.logger.WithError(err).Warn("Incremental flush failed", "store", r.label)
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.label, err))
		}
		return true
	})
	j.sweeps.Add(1)
	return result.ErrorOrNil()
}

func flushIsolated(mp ManagedPersistence) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during flush: %v", r)
		}
	}()
	return mp.Flush(Incremental)
}

// Trigger requests a sweep outside the regular schedule. Requests made while a
// sweep is pending are coalesced. It has no effect before Start or after Stop.
func (j *Janitor) Trigger() {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// Start launches the sweep loop. A non-positive interval disables the timer,
// leaving only triggered sweeps.
func (j *Janitor) Start() {
	j.startOnce.Do(func() {
		j.running.Store(true)
		go j.loop()
		j.logger.Info("Janitor started", "interval", j.interval.String())
	})
}

func (j *Janitor) loop() {
	defer close(j.stopped)

	var tick <-chan time.Time
	if j.interval > 0 {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-j.stop:
			return
		case <-tick:
		case <-j.trigger:
		}
		_ = j.Sweep()
	}
}

// Stop ends the sweep loop and waits for an in-flight sweep. It is idempotent
// and safe to call on a janitor that was never started.
func (j *Janitor) Stop() error {
	j.stopOnce.Do(func() {
		close(j.stop)
		if j.running.Load() {
			<-j.stopped
		}
		j.logger.Info("Janitor stopped", "sweeps", j.sweeps.Load(), "failures", j.failures.Load())
	})
	return nil
}

// Close implements io.Closer so the janitor can be registered with a lifetime.
func (j *Janitor) Close() error {
	return j.Stop()
}

// Stats returns the number of completed sweeps and failed store flushes.
func (j *Janitor) Stats() (sweeps, failures int64) {
	return j.sweeps.Load(), j.failures.Load()
}
