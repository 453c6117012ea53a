// Package testutil holds helpers shared by the package tests. It depends only
// on config and logging so that any package can use it from in-package tests.
package testutil

import (
	"fmt"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/logging"
)

// TestConfig returns the default configuration rooted in a fresh temporary
// directory, with metrics disabled.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = "127.0.0.1:0"
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a logger that only emits errors.
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// TestSettings returns settings built from the given properties.
func TestSettings(props map[string]string) *config.Settings {
	if len(props) == 0 {
		return config.EmptySettings()
	}
	return config.NewSettings(props)
}

func AssertHTTPStatus(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	if recorder.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d (body: %s)", expectedStatus, recorder.Code, recorder.Body.String())
	}
}

func AssertContains(t *testing.T, str, substr string) {
	t.Helper()

	if !strings.Contains(str, substr) {
		t.Errorf("Expected %q to contain %q", str, substr)
	}
}

// WithTimeout fails the test if fn does not return within timeout.
func WithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("Test timed out after %v", timeout)
	}
}

// WaitForCondition polls condition until it holds or timeout expires.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}
	t.Fatalf("Condition not met within timeout %v", timeout)
}

// ConcurrentTest runs testFunc on concurrency goroutines released together and
// fails the test if any of them panics.
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	start := make(chan struct{})
	panics := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
			}()
			<-start
			testFunc(index)
		}(i)
	}

	close(start)
	wg.Wait()
	close(panics)

	for err := range panics {
		t.Fatalf("Concurrent test failed: %v", err)
	}
}

// TestDataGenerator produces reproducible keys and values.
type TestDataGenerator struct {
	rand *rand.Rand
}

func NewTestDataGenerator(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// GenerateKeyValuePairs generates n distinct key-value pairs.
func (tdg *TestDataGenerator) GenerateKeyValuePairs(n int) map[string]string {
	data := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d-%s", i, tdg.randomString(8))
		value := fmt.Sprintf("value-%d-%s", i, tdg.randomString(16))
		data[key] = value
	}
	return data
}

// GenerateKeysWithPrefix generates n distinct keys with the given prefix.
func (tdg *TestDataGenerator) GenerateKeysWithPrefix(prefix string, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("%s-%d-%s", prefix, i, tdg.randomString(8))
	}
	return keys
}

func (tdg *TestDataGenerator) randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[tdg.rand.Intn(len(charset))]
	}
	return string(result)
}
