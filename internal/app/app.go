// Package app assembles the access-control components from configuration.
// Both the API server and guardctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/vidamais/edgeguard/internal/api"
	"github.com/vidamais/edgeguard/internal/auth"
	"github.com/vidamais/edgeguard/internal/clients"
	"github.com/vidamais/edgeguard/internal/command"
	"github.com/vidamais/edgeguard/internal/config"
	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/health"
	appmw "github.com/vidamais/edgeguard/internal/middleware"
	"github.com/vidamais/edgeguard/internal/pki"
	"github.com/vidamais/edgeguard/internal/proxy"
	"github.com/vidamais/edgeguard/internal/routes"
	"github.com/vidamais/edgeguard/internal/sse"
	"github.com/vidamais/edgeguard/internal/storage"
	"github.com/vidamais/edgeguard/internal/waf"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Runner    command.Runner
	Proxy     *proxy.Controller
	Routes    *routes.Service
	Clients   *clients.Registry
	Authority pki.Authority
	Gateway   *pki.Gateway
	WAF       *waf.Manager
	Bus       *events.Bus
	// Audit is the persistent audit trail, or an in-memory one when no
	// database is configured.
	Audit     events.Recorder
	Stream    *sse.Hub
	Archive   *storage.BundleArchive
	Reconcile *storage.ReconcileJob
	Health    *health.Handler
	Auth      *auth.Authenticator

	closers []func() error
}

// New wires every component. Nothing is started and no external tool runs.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	a.Runner = command.NewExecRunner(cfg.Command.Timeout, logger)

	if err := a.setupEvents(); err != nil {
		a.Close()
		return nil, err
	}

	var tester proxy.ConfigTester
	if cfg.Proxy.TestConfig {
		tester = proxy.NewNginxTester(a.Runner, cfg.Proxy.Binary, cfg.Proxy.MainConfig)
	}
	a.Proxy = proxy.NewController(proxy.ControllerConfig{
		ConfigPath: cfg.Paths.ProxySnapshot,
		Template:   cfg.Proxy.Template,
		Supervisor: proxy.NewSupervisorctl(a.Runner, cfg.Proxy.Program),
		Tester:     tester,
		Events:     a.Bus,
		Logger:     logger.With("component", "proxy"),
	})

	a.Routes = routes.NewService(routes.ServiceConfig{
		Path:   cfg.Paths.RouteRegistry,
		Proxy:  a.Proxy,
		Events: a.Bus,
		Logger: logger.With("component", "routes"),
	})
	a.Clients = clients.NewRegistry(cfg.Paths.ClientRegistry)

	if err := a.setupAuthority(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupArchive(); err != nil {
		a.Close()
		return nil, err
	}

	gw := pki.GatewayConfig{
		ClientsDir:     cfg.Paths.ClientsDir,
		Authority:      a.Authority,
		Registry:       a.Clients,
		Proxy:          a.Proxy,
		Subject:        cfg.CA.Subject,
		ExportPassword: cfg.CA.ExportPassword,
		Events:         a.Bus,
		Logger:         logger.With("component", "pki"),
	}
	// A nil *BundleArchive must not become a non-nil interface.
	if a.Archive != nil {
		gw.Archive = a.Archive
	}
	a.Gateway = pki.NewGateway(gw)

	a.WAF = waf.NewManager(waf.ManagerConfig{
		RulesetPath:   cfg.Paths.Ruleset,
		WhitelistPath: cfg.Paths.Whitelist,
		Optimizer:     waf.NewNxUtil(a.Runner, cfg.WAF.Interpreter, cfg.WAF.Optimizer, cfg.WAF.ErrorLog),
		Proxy:         a.Proxy,
		Events:        a.Bus,
		Logger:        logger.With("component", "waf"),
	})

	if cfg.Auth.Enabled {
		tokens := auth.NewTokenService(auth.TokenServiceConfig{
			Secret: cfg.Auth.JWTSecret,
			Expiry: cfg.Auth.TokenExpiry,
			Issuer: cfg.Auth.Issuer,
		})
		a.Auth = auth.NewAuthenticator(cfg.Auth.AdminUser, cfg.Auth.AdminPasswordHash, tokens)
	}

	a.setupHealth()
	return a, nil
}

func (a *App) setupEvents() error {
	cfg := a.Config.Notify
	a.Bus = events.NewBus(a.Logger, events.NewLogSink(a.Logger.With("component", "events")))

	if cfg.AuditDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditDB), 0o750); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		store, err := events.OpenBoltStore(cfg.AuditDB, cfg.AuditRetention)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Audit = store
	} else {
		a.Audit = events.NewMemoryStore(cfg.AuditRetention)
	}
	a.Bus.AddSink(a.Audit)

	a.Stream = sse.NewHub(sse.DefaultConfig())
	a.Bus.AddSink(a.Stream)

	if cfg.TelegramToken != "" {
		sink, err := events.NewTelegramSink(events.TelegramConfig{
			Token:       cfg.TelegramToken,
			ChatID:      cfg.TelegramChatID,
			MinSeverity: cfg.TelegramMinSeverity,
		})
		if err != nil {
			return fmt.Errorf("failed to configure telegram sink: %w", err)
		}
		a.Bus.AddSink(sink)
	}
	return nil
}

func (a *App) setupAuthority() error {
	ca := a.Config.CA
	switch ca.Backend {
	case config.CABackendNative:
		native, err := pki.OpenNative(ca.CAConfig)
		if err != nil {
			return fmt.Errorf("failed to open native CA: %w", err)
		}
		a.closers = append(a.closers, native.Close)
		a.Authority = native
	default:
		a.Authority = pki.NewOpenSSL(a.Runner, ca.CAConfig)
	}
	return nil
}

func (a *App) setupArchive() error {
	if !a.Config.Archive.Enabled {
		return nil
	}
	archive, err := storage.NewBundleArchive(a.Config.Archive)
	if err != nil {
		return fmt.Errorf("failed to configure bundle archive: %w", err)
	}
	a.Archive = archive
	a.Reconcile = storage.NewReconcileJob(archive, a.Clients, storage.DefaultReconcileConfig(),
		a.Logger.With("component", "archive"))
	return nil
}

func (a *App) setupHealth() {
	cfg := a.Config
	a.Health = health.NewHandler(health.Config{Version: Version, Timeout: 5 * time.Second})

	a.Health.Register("ca", true, func(ctx context.Context) error {
		_, err := os.Stat(cfg.CA.CertPath())
		return err
	})
	a.Health.Register("clients_dir", true, func(ctx context.Context) error {
		return checkDir(cfg.Paths.ClientsDir)
	})
	a.Health.Register("route_registry", false, func(ctx context.Context) error {
		_, err := a.Routes.List(ctx)
		return err
	})
	a.Health.Register("proxy", false, func(ctx context.Context) error {
		st := a.Proxy.Status(ctx)
		switch {
		case st.SupervisorError != "":
			return fmt.Errorf("supervisor: %s", st.SupervisorError)
		case !st.Running:
			return fmt.Errorf("proxy is not running")
		case st.Pending:
			return fmt.Errorf("enforcement pending: %s", st.LastError)
		}
		return nil
	})
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// Init prepares a fresh host: the clients directory, the CA when the
// backend can create one, and the proxy snapshot of the current registry.
// It does not reload the proxy.
func (a *App) Init(ctx context.Context) error {
	if err := os.MkdirAll(a.Config.Paths.ClientsDir, 0o700); err != nil {
		return fmt.Errorf("failed to create clients directory: %w", err)
	}
	if ca, ok := a.Authority.(pki.Initializer); ok {
		if err := ca.InitCA(ctx, a.Config.CA.CommonName); err != nil {
			return fmt.Errorf("failed to initialize CA: %w", err)
		}
	}
	list, err := a.Routes.List(ctx)
	if err != nil {
		return err
	}
	if err := a.Proxy.WriteSnapshot(list); err != nil {
		return fmt.Errorf("failed to write proxy snapshot: %w", err)
	}
	a.Logger.Info("Host initialized",
		"clients_dir", a.Config.Paths.ClientsDir,
		"ca_backend", a.Config.CA.Backend,
		"routes", len(list),
	)
	return nil
}

// RouterConfig returns the admin router configuration for this App.
func (a *App) RouterConfig() api.RouterConfig {
	rc := api.RouterConfig{
		Routes:      a.Routes,
		Certs:       a.Gateway,
		WAF:         a.WAF,
		Proxy:       a.Proxy,
		Events:      a.Audit,
		Stream:      sse.NewHandler(sse.DefaultConfig(), a.Stream, a.Audit, a.Logger),
		Health:      a.Health,
		Auth:        a.Auth,
		CORSOrigins: a.Config.Server.CORSOrigins,
		Logger:      a.Logger,
	}
	if a.Auth != nil {
		rc.LoginLimiter = appmw.NewRateLimiter(a.Config.Auth.LoginRateLimit, time.Minute)
		a.closers = append(a.closers, func() error {
			rc.LoginLimiter.Stop()
			return nil
		})
	}
	return rc
}

// Close releases the audit store and the native CA.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
