package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
	"managed-kvstore/internal/managed"
)

type staticChecker struct {
	name     string
	status   HealthStatus
	critical bool
}

func (s staticChecker) Name() string     { return s.name }
func (s staticChecker) IsCritical() bool { return s.critical }
func (s staticChecker) Check(context.Context) HealthCheck {
	return HealthCheck{Name: s.name, Status: s.status}
}

func TestHealthManagerAggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers []HealthChecker
		want     HealthStatus
	}{
		{"all healthy", []HealthChecker{staticChecker{"a", HealthStatusHealthy, true}}, HealthStatusHealthy},
		{"degraded", []HealthChecker{
			staticChecker{"a", HealthStatusHealthy, true},
			staticChecker{"b", HealthStatusDegraded, false},
		}, HealthStatusDegraded},
		{"non-critical failure degrades", []HealthChecker{
			staticChecker{"a", HealthStatusUnhealthy, false},
		}, HealthStatusDegraded},
		{"critical failure", []HealthChecker{
			staticChecker{"a", HealthStatusDegraded, false},
			staticChecker{"b", HealthStatusUnhealthy, true},
		}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("test")
			for _, c := range tt.checkers {
				hm.RegisterChecker(c)
			}
			resp := hm.CheckHealth(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Status = %s, want %s", resp.Status, tt.want)
			}
			if resp.Summary.Total != len(tt.checkers) || len(hm.LastResults()) != len(tt.checkers) {
				t.Errorf("Unexpected summary %+v", resp.Summary)
			}
		})
	}
}

func TestProviderHealthChecker(t *testing.T) {
	p, err := kv.NewProvider(kv.ProviderConfig{Logger: logging.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	checker := NewProviderHealthChecker(p)

	if check := checker.Check(context.Background()); check.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy provider, got %+v", check)
	}

	p.Close()
	if check := checker.Check(context.Background()); check.Status != HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy after Close, got %+v", check)
	}
}

type brokenFlush struct{}

func (brokenFlush) Flush(managed.FlushMode) error { return errors.New("no space left") }
func (brokenFlush) Close() error                  { return nil }

func TestJanitorHealthChecker(t *testing.T) {
	j := managed.NewJanitor(0, logging.Nop())
	checker := NewJanitorHealthChecker(j)

	if check := checker.Check(context.Background()); check.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy janitor, got %+v", check)
	}

	unregister := j.Register("broken", brokenFlush{})
	j.Sweep()
	if check := checker.Check(context.Background()); check.Status != HealthStatusDegraded {
		t.Errorf("Expected degraded after a failed sweep, got %+v", check)
	}
	unregister()
	if check := checker.Check(context.Background()); check.Status != HealthStatusHealthy {
		t.Errorf("Failures are only reported once, got %+v", check)
	}
}

func TestHealthHandler(t *testing.T) {
	hm := NewHealthManager("1.0.0")
	hm.RegisterChecker(staticChecker{"store", HealthStatusUnhealthy, true})

	rec := httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "1.0.0" || resp.Status != HealthStatusUnhealthy {
		t.Errorf("Unexpected response %+v", resp)
	}
}
