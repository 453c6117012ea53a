package monitoring

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/config"
	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/managed"
)

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{Enabled: true, Namespace: "kvtest", Path: "/metrics"}
}

func TestStoreMetricsReport(t *testing.T) {
	m := NewStoreMetrics(testMetricsConfig())

	m.Report(kv.Stat{Store: "sessions", Op: kv.OpPut, Count: 1, Elapsed: time.Millisecond})
	m.Report(kv.Stat{Store: "sessions", Op: kv.OpPut, Count: 1, Elapsed: time.Millisecond})
	m.Report(kv.Stat{Store: "sessions", Op: kv.OpPutAll, Count: 16, Elapsed: time.Millisecond})
	m.Report(kv.Stat{Store: "sessions", Op: kv.OpGet, Count: 1, Err: kv.ErrClosed})
	m.Report(kv.Stat{Store: "sessions", Op: kv.OpGet, Count: 1, Err: &codec.CodecError{Type: "int64", Op: "decode", Err: codec.ErrInvalidLength}})
	m.Report(kv.Stat{Store: "sessions", Op: kv.OpFlush, Err: &kv.FlushError{Store: "sessions", Mode: managed.FullClear, Err: errors.New("io")}})

	if got := testutil.ToFloat64(m.operations.WithLabelValues("sessions", kv.OpPut)); got != 2 {
		t.Errorf("put operations = %v, want 2", got)
	}
	tests := []struct {
		op, kind string
	}{
		{kv.OpGet, "closed"},
		{kv.OpGet, "codec"},
		{kv.OpFlush, "flush"},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.errors.WithLabelValues("sessions", tt.op, tt.kind)); got != 1 {
			t.Errorf("errors{%s,%s} = %v, want 1", tt.op, tt.kind, got)
		}
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("sessions")); got != 1 {
		t.Errorf("closed rejections = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.batchSize); n != 1 {
		t.Errorf("Expected one batch size series, got %d", n)
	}
}

func TestStoreMetricsHandler(t *testing.T) {
	m := NewStoreMetrics(testMetricsConfig())
	m.Gauge("open_stores", "Number of open stores", func() float64 { return 3 })
	m.Report(kv.Stat{Store: "users", Op: kv.OpGet, Count: 1, Elapsed: time.Microsecond})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`kvtest_store_operations_total{operation="get",store="users"} 1`,
		`kvtest_open_stores 3`,
		`kvtest_store_operation_duration_seconds_bucket`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in scrape output:\n%s", want, body)
		}
	}
}

func TestDisabledMetrics(t *testing.T) {
	m := NewStoreMetrics(config.MetricsConfig{Enabled: false})
	m.Report(kv.Stat{Store: "x", Op: kv.OpGet})
	m.Gauge("ignored", "", func() float64 { return 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Disabled metrics should serve 404, got %d", rec.Code)
	}
}

func TestMetricsAsProviderListener(t *testing.T) {
	m := NewStoreMetrics(testMetricsConfig())
	p, err := kv.NewProvider(kv.ProviderConfig{Listener: m})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	s := kv.MustOpen(p, kv.NewOptions[string, int64]("counters"))
	s.Put("a", 1)
	s.Get("a")
	s.Get("b")

	if got := testutil.ToFloat64(m.operations.WithLabelValues("counters", kv.OpGet)); got != 2 {
		t.Errorf("get operations = %v, want 2", got)
	}
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, &config.LoggingConfig{Level: "debug", Format: "json"})
	l := NewLogListener(logger)

	l.Report(kv.Stat{Store: "sessions", Op: kv.OpPut, Count: 1})
	if buf.Len() != 0 {
		t.Errorf("Successful operations are silent without database logging: %s", buf.String())
	}

	l.Report(kv.Stat{Store: "sessions", Op: kv.OpGet, Count: 1, Err: errors.New("disk gone")})
	out := buf.String()
	if !strings.Contains(out, `"store":"sessions"`) || !strings.Contains(out, "disk gone") {
		t.Errorf("Expected failure record, got %s", out)
	}
}
