package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("supervisor unreachable") }

func TestHealth_AllUp(t *testing.T) {
	h := NewHandler(Config{Version: "1.2.3"})
	h.Register("route_registry", true, up)
	h.Register("proxy", false, up)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Version != "1.2.3" || len(resp.Services) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHealth_Degraded(t *testing.T) {
	h := NewHandler(Config{})
	h.Register("route_registry", true, up)
	h.Register("proxy", false, down)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Services["proxy"].Error != "supervisor unreachable" {
		t.Errorf("expected proxy error to be reported, got %+v", resp.Services["proxy"])
	}
}

func TestReadiness_OnlyCriticalChecksGate(t *testing.T) {
	h := NewHandler(Config{})
	h.Register("route_registry", true, up)
	h.Register("proxy", false, down)

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected non-critical failure not to gate readiness, got %d", rec.Code)
	}

	h.Register("client_registry", true, down)
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Failing) != 1 || resp.Failing[0] != "client_registry" {
		t.Errorf("unexpected failing list %v", resp.Failing)
	}
}

func TestReadiness_ShuttingDown(t *testing.T) {
	h := NewHandler(Config{})
	h.SetReady(false)

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while shutting down, got %d", rec.Code)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(Config{}).Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
