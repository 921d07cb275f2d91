package api

import (
	"context"

	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/pki"
	"github.com/vidamais/edgeguard/internal/proxy"
	"github.com/vidamais/edgeguard/internal/repository"
)

// RouteService is implemented by routes.Service
type RouteService interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, path string) (repository.Outcome, error)
	Remove(ctx context.Context, path string) (repository.Outcome, error)
}

// CertService is implemented by pki.Gateway
type CertService interface {
	List(ctx context.Context) ([]string, error)
	Issue(ctx context.Context, name string) (pki.IssueResult, error)
	Revoke(ctx context.Context, name string) (pki.RevokeResult, error)
	BundlePath(ctx context.Context, name string) (string, error)
	Audit(ctx context.Context) ([]pki.Discrepancy, error)
}

// WafService is implemented by waf.Manager
type WafService interface {
	ActivateLearningMode(ctx context.Context) error
	DeactivateLearningMode(ctx context.Context) error
	GenerateOptimizedRules(ctx context.Context) ([]string, error)
	SaveOptimizedRules(ctx context.Context) ([]string, error)
	Whitelist(ctx context.Context) ([]string, error)
	LearningMode(ctx context.Context) (bool, error)
}

// ProxyService is implemented by proxy.Controller
type ProxyService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Status(ctx context.Context) proxy.Status
}

// EventLog is implemented by the audit stores in package events
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
}
