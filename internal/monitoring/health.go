package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/lifecycle"
	"managed-kvstore/internal/managed"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Critical  bool                   `json:"critical"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Version   string                 `json:"version"`
	Uptime    time.Duration          `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

// HealthSummary provides overall health metrics
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}

// HealthChecker interface for implementing health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	IsCritical() bool
}

// HealthManager manages all health checks
type HealthManager struct {
	mu          sync.Mutex
	checkers    []HealthChecker
	startTime   time.Time
	version     string
	lastResults map[string]HealthCheck
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		startTime:   time.Now(),
		version:     version,
		lastResults: make(map[string]HealthCheck),
	}
}

func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

// CheckHealth runs every checker. An unhealthy critical check makes the whole
// response unhealthy; anything else unhealthy or degraded degrades it.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	checks := make(map[string]HealthCheck)
	summary := HealthSummary{}
	overallStatus := HealthStatusHealthy

	for _, checker := range hm.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		check.Critical = checker.IsCritical()

		checks[checker.Name()] = check
		hm.lastResults[checker.Name()] = check

		summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusDegraded:
			summary.Degraded++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.Unhealthy++
			if check.Critical {
				summary.Critical++
			} else if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	if summary.Critical > 0 {
		overallStatus = HealthStatusUnhealthy
	}

	return HealthResponse{
		Status:    overallStatus,
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		Timestamp: time.Now(),
		Checks:    checks,
		Summary:   summary,
	}
}

// LastResults returns a copy of the most recent results.
func (hm *HealthManager) LastResults() map[string]HealthCheck {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make(map[string]HealthCheck, len(hm.lastResults))
	for k, v := range hm.lastResults {
		out[k] = v
	}
	return out
}

// Handler serves the health response as JSON, with 503 when unhealthy.
func (hm *HealthManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if resp.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// ProviderHealthChecker writes, reads and removes a probe entry through a
// store of the provider's default backend.
type ProviderHealthChecker struct {
	provider *kv.Provider
	probe    string
}

func NewProviderHealthChecker(provider *kv.Provider) *ProviderHealthChecker {
	return &ProviderHealthChecker{provider: provider, probe: "health-probe"}
}

func (p *ProviderHealthChecker) Name() string     { return "provider" }
func (p *ProviderHealthChecker) IsCritical() bool { return true }

func (p *ProviderHealthChecker) Check(ctx context.Context) HealthCheck {
	check := HealthCheck{
		Name:    p.Name(),
		Details: map[string]interface{}{"open_stores": p.provider.Len()},
	}

	if status := p.provider.Lifetime().Status(); status != lifecycle.Alive {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("Provider is %s", status)
		return check
	}

	store, err := kv.Open(p.provider, kv.NewOptions[string, string](p.probe))
	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("Failed to open probe store: %v", err)
		return check
	}

	key, want := uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano)
	if err := store.Put(key, want); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("Probe write failed: %v", err)
		return check
	}
	got, found, err := store.Get(key)
	store.Remove(key)
	if err != nil || !found || got != want {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("Probe read mismatch: found=%v err=%v", found, err)
		return check
	}

	check.Status = HealthStatusHealthy
	check.Message = "Probe round trip succeeded"
	check.Details["backend"] = store.Backend().String()
	return check
}

// JanitorHealthChecker degrades when sweeps failed since the previous check.
type JanitorHealthChecker struct {
	janitor *managed.Janitor

	mu           sync.Mutex
	lastFailures int64
}

func NewJanitorHealthChecker(janitor *managed.Janitor) *JanitorHealthChecker {
	return &JanitorHealthChecker{janitor: janitor}
}

func (j *JanitorHealthChecker) Name() string     { return "janitor" }
func (j *JanitorHealthChecker) IsCritical() bool { return false }

func (j *JanitorHealthChecker) Check(ctx context.Context) HealthCheck {
	sweeps, failures := j.janitor.Stats()

	j.mu.Lock()
	newFailures := failures - j.lastFailures
	j.lastFailures = failures
	j.mu.Unlock()

	check := HealthCheck{
		Name:   j.Name(),
		Status: HealthStatusHealthy,
		Details: map[string]interface{}{
			"registered": j.janitor.Len(),
			"sweeps":     sweeps,
			"failures":   failures,
		},
	}
	if newFailures > 0 {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("%d flush failures since last check", newFailures)
	}
	return check
}

// GoroutineHealthChecker degrades above 80% of the limit and fails above it.
type GoroutineHealthChecker struct {
	maxGoroutines int
}

func NewGoroutineHealthChecker(maxGoroutines int) *GoroutineHealthChecker {
	return &GoroutineHealthChecker{maxGoroutines: maxGoroutines}
}

func (g *GoroutineHealthChecker) Name() string     { return "goroutines" }
func (g *GoroutineHealthChecker) IsCritical() bool { return false }

func (g *GoroutineHealthChecker) Check(ctx context.Context) HealthCheck {
	numGoroutines := runtime.NumGoroutine()

	status := HealthStatusHealthy
	message := "Goroutine count is normal"

	if g.maxGoroutines > 0 {
		if numGoroutines > g.maxGoroutines {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Too many goroutines (%d > %d)", numGoroutines, g.maxGoroutines)
		} else if numGoroutines > g.maxGoroutines*80/100 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("High goroutine count (%d)", numGoroutines)
		}
	}

	return HealthCheck{
		Name:    g.Name(),
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"count": numGoroutines,
			"limit": g.maxGoroutines,
		},
	}
}
