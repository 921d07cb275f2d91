package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vidamais/edgeguard/internal/api"
	"github.com/vidamais/edgeguard/internal/app"
	"github.com/vidamais/edgeguard/internal/config"
	"github.com/vidamais/edgeguard/internal/logger"
)

func main() {
	// Initialize structured JSON logger
	appLogger := logger.New(logger.DefaultConfig())
	slog.SetDefault(appLogger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		appLogger.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger.Info("Starting edgeguard admin API",
		slog.String("version", app.Version),
		slog.String("addr", cfg.Server.Addr()),
		slog.String("ca_backend", cfg.CA.Backend),
		slog.Bool("auth_enabled", cfg.Auth.Enabled),
		slog.Bool("archive_enabled", cfg.Archive.Enabled),
	)
	if !cfg.Auth.Enabled {
		appLogger.Warn("Admin API authentication is disabled; bind it to a trusted interface only")
	}

	a, err := app.New(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	// Bring the snapshot in line with the registry; the proxy may be down.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Command.Timeout)
	if err := a.Routes.Sync(ctx); err != nil {
		appLogger.Warn("Initial route sync failed; enforcement pending",
			slog.String("error", err.Error()),
		)
	}
	cancel()

	if a.Reconcile != nil {
		if err := a.Reconcile.Start(); err != nil {
			appLogger.Warn("Failed to start archive reconcile job", slog.String("error", err.Error()))
		}
		defer a.Reconcile.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(a.RouterConfig()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("Listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server", slog.String("signal", sig.String()))
	case err := <-errCh:
		appLogger.Error("Server failed", slog.String("error", err.Error()))
	}

	a.Health.SetReady(false)
	a.Stream.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}
	appLogger.Info("Server exited")
}
