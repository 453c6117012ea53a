package testutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestTestConfig(t *testing.T) {
	cfg := TestConfig(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Test config should be valid: %v", err)
	}
	if info, err := os.Stat(cfg.Storage.DataPath); err != nil || !info.IsDir() {
		t.Errorf("Expected data path %s to exist", cfg.Storage.DataPath)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics should be disabled in tests")
	}
}

func TestTestLogger(t *testing.T) {
	logger := TestLogger()
	if logger == nil {
		t.Fatal("Expected logger to be created")
	}
	logger.Info("filtered")
}

func TestTestSettings(t *testing.T) {
	s := TestSettings(map[string]string{"db.bolt.no.sync": "true"})
	if !s.GetBool("db.bolt.no.sync", false) {
		t.Error("Expected property to be readable")
	}
	if TestSettings(nil).IsSet("db.bolt.no.sync") {
		t.Error("Empty settings should not report any key")
	}
}

func TestAssertHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusAccepted)
	AssertHTTPStatus(t, rec, http.StatusAccepted)
	AssertContains(t, "managed store", "store")
}

func TestWithTimeout(t *testing.T) {
	WithTimeout(t, time.Second, func() { time.Sleep(time.Millisecond) })
}

func TestWaitForCondition(t *testing.T) {
	var n atomic.Int32
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}
	}()
	WaitForCondition(t, func() bool { return n.Load() == 3 }, time.Second, time.Millisecond)
}

func TestConcurrentTest(t *testing.T) {
	var calls atomic.Int32
	ConcurrentTest(t, 10, func(int) { calls.Add(1) })
	if calls.Load() != 10 {
		t.Errorf("Expected 10 calls, got %d", calls.Load())
	}
}

func TestTestDataGenerator(t *testing.T) {
	a := NewTestDataGenerator(42).GenerateKeyValuePairs(20)
	b := NewTestDataGenerator(42).GenerateKeyValuePairs(20)

	if len(a) != 20 {
		t.Fatalf("Expected 20 pairs, got %d", len(a))
	}
	for k, v := range a {
		if b[k] != v {
			t.Errorf("Same seed should produce the same data, %s differs", k)
		}
	}

	keys := NewTestDataGenerator(1).GenerateKeysWithPrefix("user", 5)
	seen := map[string]bool{}
	for _, k := range keys {
		AssertContains(t, k, "user-")
		seen[k] = true
	}
	if len(seen) != 5 {
		t.Errorf("Expected distinct keys, got %v", keys)
	}
}
