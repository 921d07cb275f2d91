// Package routes manages the registry of path prefixes that require a client
// certificate, and keeps the proxy snapshot in step with it.
package routes

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/proxy"
	"github.com/vidamais/edgeguard/internal/repository"
)

// Field is the JSON array field of the registry document.
const Field = "protected_routes"

// Applier renders a route list into the proxy and reloads it.
type Applier interface {
	Apply(ctx context.Context, routes []string) error
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	// Path is the registry document ({"protected_routes": [...]}).
	Path   string
	Proxy  Applier
	Events events.Publisher
	Logger *slog.Logger
}

// Service is the route registry. Every applied mutation is rendered and
// reloaded before the call returns; no-ops touch nothing.
type Service struct {
	// mu spans the registry write and the proxy apply so snapshots are
	// applied in the same order as the registry writes.
	mu     sync.Mutex
	store  *repository.ListStore
	proxy  Applier
	events events.Publisher
	logger *slog.Logger
}

// NewService creates a route Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Service{
		store:  repository.NewListStore(cfg.Path, Field),
		proxy:  cfg.Proxy,
		events: cfg.Events,
		logger: cfg.Logger,
	}
}

// ValidatePath checks a protected route before any side effect.
func ValidatePath(path string) error {
	return proxy.CheckLocation(path)
}

// List returns the protected routes in registry order.
func (s *Service) List(ctx context.Context) ([]string, error) {
	routes, err := s.store.List(ctx)
	if err == nil {
		metrics.SetProtectedRoutes(len(routes))
	}
	return routes, err
}

// Add protects path. Adding an already protected path returns NoChange and
// does not reload the proxy.
func (s *Service) Add(ctx context.Context, path string) (repository.Outcome, error) {
	return s.mutate(ctx, "add", path, func(items []string) ([]string, bool) {
		if slices.Contains(items, path) {
			return items, false
		}
		return append(items, path), true
	})
}

// Remove unprotects path. Removing an unknown path returns NoChange and does
// not reload the proxy.
func (s *Service) Remove(ctx context.Context, path string) (repository.Outcome, error) {
	return s.mutate(ctx, "remove", path, func(items []string) ([]string, bool) {
		idx := slices.Index(items, path)
		if idx < 0 {
			return items, false
		}
		return slices.Delete(items, idx, idx+1), true
	})
}

func (s *Service) mutate(ctx context.Context, action, path string, fn func([]string) ([]string, bool)) (repository.Outcome, error) {
	if err := ValidatePath(path); err != nil {
		return repository.NoChange, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	routes, outcome, err := s.store.Update(ctx, fn)
	if err != nil {
		return repository.NoChange, err
	}
	metrics.RecordRouteMutation(action, outcome.String())
	if outcome == repository.NoChange {
		s.logger.Debug("Route registry unchanged", "action", action, "path", path)
		return outcome, nil
	}
	metrics.SetProtectedRoutes(len(routes))
	s.logger.Info("Route registry updated", "action", action, "path", path, "routes", len(routes))

	applyErr := s.proxy.Apply(ctx, routes)

	eventType := events.EventTypeRouteAdded
	message := "route now requires a client certificate"
	if action == "remove" {
		eventType = events.EventTypeRouteRemoved
		message = "route no longer requires a client certificate"
	}
	ev := events.Warning(eventType, path, message)
	if applyErr != nil {
		ev = ev.With("enforcement", "pending")
	}
	s.events.Publish(ctx, ev)

	if applyErr != nil {
		return outcome, fmt.Errorf("%s route %s: %w", action, path, applyErr)
	}
	return outcome, nil
}

// Sync renders the current registry into the proxy and reloads it. Used at
// startup and after manual edits of the registry document.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	routes, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	metrics.SetProtectedRoutes(len(routes))
	return s.proxy.Apply(ctx, routes)
}
