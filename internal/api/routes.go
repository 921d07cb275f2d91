package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vidamais/edgeguard/internal/auth"
	"github.com/vidamais/edgeguard/internal/health"
	"github.com/vidamais/edgeguard/internal/metrics"
	appmw "github.com/vidamais/edgeguard/internal/middleware"
	"github.com/vidamais/edgeguard/internal/sse"
)

// RouterConfig holds everything the admin router serves
type RouterConfig struct {
	Routes RouteService
	Certs  CertService
	WAF    WafService
	Proxy  ProxyService
	// Events is optional; without it /events is not mounted.
	Events EventLog
	// Stream is optional; it serves GET /events/stream.
	Stream *sse.Handler
	Health *health.Handler
	// Auth is optional; without it the admin API is unauthenticated.
	Auth *auth.Authenticator
	// LoginLimiter throttles POST /auth/token when Auth is set.
	LoginLimiter *appmw.RateLimiter
	CORSOrigins  []string
	Logger       *slog.Logger
}

// NewRouter builds the admin HTTP router
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appmw.StructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(appmw.SourceIP)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Disposition", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Unauthenticated endpoints for probes and scraping
	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/health/ready", cfg.Health.Readiness)
		r.Get("/health/live", cfg.Health.Liveness)
	}
	r.Handle("/metrics", metrics.Handler())

	if cfg.Auth != nil {
		tokens := NewTokenHandler(cfg.Auth, logger)
		r.Group(func(r chi.Router) {
			if cfg.LoginLimiter != nil {
				r.Use(cfg.LoginLimiter.LimitByIP)
			}
			r.Post("/auth/token", tokens.Token)
		})
	}

	if cfg.Stream != nil {
		r.Group(func(r chi.Router) {
			r.Use(appmw.AllowQueryToken)
			if cfg.Auth != nil {
				r.Use(appmw.NewAuthMiddleware(cfg.Auth.Tokens()).Authenticate)
			}
			r.Get("/events/stream", cfg.Stream.HandleStream)
		})
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(appmw.NewAuthMiddleware(cfg.Auth.Tokens()).Authenticate)
		}
		RegisterAdminRoutes(r, cfg, logger)
	})

	return r
}

// RegisterAdminRoutes mounts the access-control endpoints on r
func RegisterAdminRoutes(r chi.Router, cfg RouterConfig, logger *slog.Logger) {
	routes := NewRouteHandler(cfg.Routes, logger)
	r.Route("/routes", func(r chi.Router) {
		r.Get("/", routes.List)
		r.Post("/", routes.Add)
		r.Delete("/", routes.Remove)
	})

	certs := NewCertHandler(cfg.Certs, logger)
	r.Route("/certs", func(r chi.Router) {
		r.Get("/", certs.List)
		r.Get("/audit", certs.Audit)
		r.Post("/{name}", certs.Issue)
		r.Delete("/{name}", certs.Revoke)
		r.Get("/{name}/download", certs.Download)
	})

	waf := NewWafHandler(cfg.WAF, logger)
	r.Route("/waf", func(r chi.Router) {
		r.Get("/rules", waf.Rules)
		r.Get("/rules/preview", waf.Preview)
		r.Post("/rules/save", waf.Save)
		r.Post("/learning-mode/{mode}", waf.LearningMode)
	})

	proxy := NewProxyHandler(cfg.Proxy, logger)
	r.Route("/proxy", func(r chi.Router) {
		r.Get("/status", proxy.Status)
		r.Post("/start", proxy.Start)
		r.Post("/stop", proxy.Stop)
		r.Post("/reload", proxy.Reload)
	})

	if cfg.Events != nil {
		r.Get("/events", NewEventHandler(cfg.Events, logger).Recent)
	}
}
