package managed

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"managed-kvstore/internal/cache"
	"managed-kvstore/internal/logging"
)

type recordingStore struct {
	mu      sync.Mutex
	modes   []FlushMode
	err     error
	panics  bool
	flushes atomic.Int32
}

func (r *recordingStore) Flush(mode FlushMode) error {
	r.flushes.Add(1)
	if r.panics {
		panic("engine exploded")
	}
	r.mu.Lock()
	r.modes = append(r.modes, mode)
	r.mu.Unlock()
	return r.err
}

func (r *recordingStore) Close() error { return r.Flush(FullClear) }

func TestFlushModeClearCacheMode(t *testing.T) {
	tests := []struct {
		mode   FlushMode
		clear  cache.ClearCacheMode
		isFull bool
	}{
		{Incremental, cache.CompactIfNecessary, false},
		{FullCompact, cache.CompactIfNecessary, true},
		{FullClear, cache.ForceClearAll, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			if got := tt.mode.ClearCacheMode(); got != tt.clear {
				t.Errorf("ClearCacheMode() = %v, want %v", got, tt.clear)
			}
			if got := tt.mode.IsFull(); got != tt.isFull {
				t.Errorf("IsFull() = %v, want %v", got, tt.isFull)
			}
			parsed, err := ParseFlushMode(tt.mode.String())
			if err != nil || parsed != tt.mode {
				t.Errorf("ParseFlushMode(%q) = %v, %v", tt.mode.String(), parsed, err)
			}
		})
	}

	if _, err := ParseFlushMode("eventually"); err == nil {
		t.Error("Expected error for unknown flush mode")
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	j := NewJanitor(0, logging.Nop())

	healthy1 := &recordingStore{}
	failing := &recordingStore{err: errors.New("disk full")}
	panicking := &recordingStore{panics: true}
	healthy2 := &recordingStore{}

	j.Register("healthy1", healthy1)
	j.Register("failing", failing)
	j.Register("panicking", panicking)
	j.Register("healthy2", healthy2)

	err := j.Sweep()
	if err == nil {
		t.Fatal("Expected sweep to report failures")
	}

	for name, s := range map[string]*recordingStore{"healthy1": healthy1, "healthy2": healthy2, "failing": failing, "panicking": panicking} {
		if s.flushes.Load() != 1 {
			t.Errorf("%s flushed %d times, want 1", name, s.flushes.Load())
		}
	}
	if len(healthy1.modes) != 1 || healthy1.modes[0] != Incremental {
		t.Errorf("Expected a single incremental flush, got %v", healthy1.modes)
	}
	if _, failures := j.Stats(); failures != 2 {
		t.Errorf("failures = %d, want 2", failures)
	}
}

func TestUnregister(t *testing.T) {
	j := NewJanitor(0, logging.Nop())
	s := &recordingStore{}

	unregister := j.Register("s", s)
	unregister()
	unregister()

	if err := j.Sweep(); err != nil {
		t.Fatal(err)
	}
	if s.flushes.Load() != 0 || j.Len() != 0 {
		t.Errorf("unregistered store was flushed (%d) or still registered (%d)", s.flushes.Load(), j.Len())
	}
}

func TestTriggeredSweep(t *testing.T) {
	j := NewJanitor(0, logging.Nop())
	s := &recordingStore{}
	j.Register("s", s)

	j.Start()
	defer j.Stop()
	j.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for s.flushes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.flushes.Load() == 0 {
		t.Error("Expected triggered sweep to flush the store")
	}
}

func TestPeriodicSweep(t *testing.T) {
	j := NewJanitor(10*time.Millisecond, logging.Nop())
	s := &recordingStore{}
	j.Register("s", s)

	j.Start()
	time.Sleep(100 * time.Millisecond)
	if err := j.Stop(); err != nil {
		t.Fatal(err)
	}

	after := s.flushes.Load()
	if after < 2 {
		t.Errorf("Expected several periodic sweeps, got %d", after)
	}
	time.Sleep(30 * time.Millisecond)
	if s.flushes.Load() != after {
		t.Error("Janitor kept sweeping after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	j := NewJanitor(time.Hour, logging.Nop())
	if err := j.Stop(); err != nil {
		t.Fatal(err)
	}
	j.Start()
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}
