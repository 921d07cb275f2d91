// Package health provides health check endpoints for the admin service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ServiceStatus represents the status of a single dependency
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool     `json:"ready"`
	Failing   []string `json:"failing,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Check probes one dependency. A nil error means up.
type Check func(ctx context.Context) error

// Handler handles health check requests
type Handler struct {
	checks   map[string]Check
	critical map[string]bool
	version  string
	timeout  time.Duration
	ready    bool
	mu       sync.RWMutex
}

// Config holds health handler configuration
type Config struct {
	Version string
	Timeout time.Duration
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		checks:   make(map[string]Check),
		critical: make(map[string]bool),
		version:  cfg.Version,
		timeout:  timeout,
		ready:    true,
	}
}

// Register adds a named check. Critical checks gate readiness.
func (h *Handler) Register(name string, critical bool, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.critical[name] = critical
}

// SetReady sets the readiness state of the service; cleared on shutdown.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// run executes every check concurrently.
func (h *Handler) run(ctx context.Context) map[string]ServiceStatus {
	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		services = make(map[string]ServiceStatus, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := probe(ctx, check)
			mu.Lock()
			services[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()
	return services
}

func probe(ctx context.Context, check Check) ServiceStatus {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)
	if err != nil {
		return ServiceStatus{Status: "down", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: latency.String()}
}

// Health reports every dependency. Any failing check degrades the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := h.run(ctx)
	overallStatus := "healthy"
	for _, s := range services {
		if s.Status != "up" {
			overallStatus = "degraded"
		}
	}

	status := http.StatusOK
	if overallStatus != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	})
}

// Readiness fails while shutting down or when a critical check is down.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	var failing []string
	if ready {
		h.mu.RLock()
		critical := make(map[string]bool, len(h.critical))
		for k, v := range h.critical {
			critical[k] = v
		}
		h.mu.RUnlock()

		for name, s := range h.run(ctx) {
			if critical[name] && s.Status != "up" {
				failing = append(failing, name)
			}
		}
		sort.Strings(failing)
		ready = len(failing) == 0
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{
		Ready:     ready,
		Failing:   failing,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Liveness handles the liveness probe endpoint
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
