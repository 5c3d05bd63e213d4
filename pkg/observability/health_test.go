package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker("test")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	checker.Liveness(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != StatusHealthy {
		t.Errorf("status = %v, want %q", body["status"], StatusHealthy)
	}
}

func TestHealthChecker_ReadinessAllHealthy(t *testing.T) {
	checker := NewHealthChecker("test")
	checker.AddProbe("store", func(ctx context.Context) error { return nil })
	checker.AddOptionalProbe("cache", func(ctx context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	checker.Readiness(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if status.Status != StatusHealthy {
		t.Errorf("overall = %q, want healthy", status.Status)
	}
	if len(status.Dependencies) != 2 {
		t.Errorf("dependencies = %d, want 2", len(status.Dependencies))
	}
}

func TestHealthChecker_RequiredProbeFailureIsUnhealthy(t *testing.T) {
	checker := NewHealthChecker("test")
	checker.AddProbe("store", func(ctx context.Context) error { return errors.New("connection refused") })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	checker.Readiness(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	status := checker.Check(context.Background())
	if status.Status != StatusUnhealthy {
		t.Errorf("overall = %q, want unhealthy", status.Status)
	}
	dep := status.Dependencies["store"]
	if dep.Status != StatusUnhealthy || dep.Message == "" {
		t.Errorf("store dependency = %+v, want unhealthy with message", dep)
	}
}

func TestHealthChecker_OptionalProbeFailureDegrades(t *testing.T) {
	checker := NewHealthChecker("test")
	checker.AddProbe("store", func(ctx context.Context) error { return nil })
	checker.AddOptionalProbe("cache", func(ctx context.Context) error { return errors.New("redis down") })

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("overall = %q, want degraded", status.Status)
	}

	// Degraded still answers ready.
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	checker.Readiness(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for degraded", rec.Code)
	}
}

func TestHealthChecker_VersionReported(t *testing.T) {
	checker := NewHealthChecker("1.2.3")
	status := checker.Check(context.Background())
	if status.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", status.Version)
	}
}
