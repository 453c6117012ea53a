package logging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"managed-kvstore/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config config.LoggingConfig
	}{
		{"development config", DevelopmentLoggingConfig()},
		{"production config", ProductionLoggingConfig()},
		{"test config", TestLoggingConfig()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&tt.config)
			if logger == nil {
				t.Fatal("Expected logger to be created")
			}

			logger.Info("Test log message", "test", true)
			logger.Debug("Debug message", "debug", true)
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("Warn record missing: %s", out)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "debug", Format: "json"})

	logger.WithComponent("janitor").
		WithFields(map[string]interface{}{"store": "sessions"}).
		WithError(errors.New("disk full")).
		Error("Flush failed")

	out := buf.String()
	for _, want := range []string{`"component":"janitor"`, `"store":"sessions"`, `"error":"disk full"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in output: %s", want, out)
		}
	}

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestStoreOperation(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "debug", Format: "json"}
	logger := NewWithWriter(&buf, &cfg)
	ctx := WithRequestID(context.Background(), "req_1")

	logger.StoreOperation(ctx, "sessions", "put", 1, time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Errorf("Successful operations should be silent without database logging: %s", buf.String())
	}

	logger.StoreOperation(ctx, "sessions", "get", 1, time.Millisecond, errors.New("boom"))
	out := buf.String()
	if !strings.Contains(out, "Store operation failed") || !strings.Contains(out, `"request_id":"req_1"`) {
		t.Errorf("Unexpected failure record: %s", out)
	}

	buf.Reset()
	cfg.EnableDatabaseLogging = true
	logger.StoreOperation(ctx, "sessions", "put", 1, time.Millisecond, nil)
	if !strings.Contains(buf.String(), "Store operation completed") {
		t.Errorf("Expected completion record with database logging: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	logger.Error("nothing to see")
	logger.Lifecycle(context.Background(), "terminate", "store:sessions", nil)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ExtractRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stores", nil))
	if !strings.HasPrefix(seen, "req_") || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected generated request ID, got %q (header %q)", seen, rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/stores", nil)
	req.Header.Set(RequestIDHeader, "abc\n123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc123" {
		t.Errorf("Expected sanitized caller ID, got %q", seen)
	}
}

func TestGenerateRequestIDUnique(t *testing.T) {
	if GenerateRequestID() == GenerateRequestID() {
		t.Error("Expected different request IDs")
	}
}

func TestRequestIDSanitization(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal ID", "req_abc123", "req_abc123"},
		{"ID with newlines", "req_abc\n123", "req_abc123"},
		{"ID with carriage returns", "req_abc\r123", "req_abc123"},
		{"ID with tabs", "req_abc\t123", "req_abc123"},
		{"very long ID", strings.Repeat("a", 100), strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := SanitizeRequestID(tt.input); result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
