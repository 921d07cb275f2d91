// Package proxy renders the protected-locations configuration and drives the
// reverse proxy process that enforces it.
package proxy

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/repository"
)

// ControllerConfig holds the dependencies of a Controller.
type ControllerConfig struct {
	// ConfigPath is where the rendered snapshot is written.
	ConfigPath string
	Template   Template
	Supervisor ProcessSupervisor
	// Tester, when set, validates the snapshot before every reload.
	Tester ConfigTester
	Events events.Publisher
	Logger *slog.Logger
}

// Status is a point-in-time view of the proxy.
type Status struct {
	Running         bool       `json:"running"`
	Pending         bool       `json:"enforcement_pending"`
	LastReload      *time.Time `json:"last_reload,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	SupervisorError string     `json:"supervisor_error,omitempty"`
}

// Controller owns the rendered snapshot and the proxy lifecycle. Apply and
// Reload are serialized so a reload never observes a half-applied snapshot.
type Controller struct {
	mu         sync.Mutex
	configPath string
	tmpl       Template
	supervisor ProcessSupervisor
	tester     ConfigTester
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	pending    bool
	lastReload time.Time
	lastErr    string

	// routes waits to be written to configPath while rewrite is set.
	rewrite bool
	routes  []string
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Controller{
		configPath: cfg.ConfigPath,
		tmpl:       cfg.Template,
		supervisor: cfg.Supervisor,
		tester:     cfg.Tester,
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// ConfigPath returns the snapshot location.
func (c *Controller) ConfigPath() string { return c.configPath }

// Template returns the block template in use.
func (c *Controller) Template() Template { return c.tmpl }

// Render returns the snapshot for routes without writing it.
func (c *Controller) Render(routes []string) ([]byte, error) {
	return RenderConfig(routes, c.tmpl)
}

// Apply overwrites the snapshot with routes and reloads the proxy.
// The caller has already persisted routes, so any failure here, including
// rendering or writing the snapshot, returns *apperr.ReloadError and leaves
// the controller pending. A later Reload retries the write.
func (c *Controller) Apply(ctx context.Context, routes []string) error {
	c.mu.Lock()
	c.pending = true
	c.rewrite = true
	c.routes = slices.Clone(routes)
	ev, err := c.reloadLocked(ctx)
	c.mu.Unlock()

	c.events.Publish(ctx, ev)
	return err
}

// WriteSnapshot renders and writes routes without reloading. Used when
// bootstrapping a host before the proxy is started.
func (c *Controller) WriteSnapshot(routes []string) error {
	data, err := c.Render(routes)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := repository.WriteFileAtomic(c.configPath, data, 0644); err != nil {
		return apperr.InternalIO("write proxy config", err)
	}
	c.rewrite, c.routes = false, nil
	return nil
}

// Reload restarts the proxy so it picks up the current snapshot.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	ev, err := c.reloadLocked(ctx)
	c.mu.Unlock()

	c.events.Publish(ctx, ev)
	return err
}

func (c *Controller) reloadLocked(ctx context.Context) (events.Event, error) {
	if c.rewrite {
		data, err := c.Render(c.routes)
		if err != nil {
			return c.reloadFailedLocked("render proxy config", err)
		}
		if err := repository.WriteFileAtomic(c.configPath, data, 0644); err != nil {
			return c.reloadFailedLocked("write proxy config", apperr.InternalIO("write proxy config", err))
		}
		c.logger.Info("Proxy config written", "path", c.configPath, "routes", len(c.routes))
		c.rewrite, c.routes = false, nil
	}
	if c.tester != nil {
		if err := c.tester.TestConfig(ctx); err != nil {
			return c.reloadFailedLocked("proxy config test", err)
		}
	}
	if err := c.supervisor.Restart(ctx); err != nil {
		return c.reloadFailedLocked("proxy reload", err)
	}

	c.pending = false
	c.lastReload = c.now().UTC()
	c.lastErr = ""
	metrics.RecordReload(true)
	metrics.SetProxyRunning(true)
	c.logger.Info("Proxy reloaded")
	return events.New(events.EventTypeProxyReloaded, "", "proxy reloaded"), nil
}

func (c *Controller) reloadFailedLocked(op string, err error) (events.Event, error) {
	c.pending = true
	c.lastErr = err.Error()
	metrics.RecordReload(false)
	c.logger.Error("Proxy change not enforced; enforcement pending",
		"operation", op,
		"error", err,
		"output", apperr.Output(err),
	)
	ev := events.Critical(events.EventTypeProxyReloadFailed, "", "proxy reload failed, changes are not enforced").
		With("error", err.Error())
	return ev, &apperr.ReloadError{Operation: op, Err: err}
}

// Start starts the proxy process.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	err := c.supervisor.Start(ctx)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("Proxy start failed", "error", err, "output", apperr.Output(err))
		return err
	}

	metrics.SetProxyRunning(true)
	c.logger.Info("Proxy started")
	c.events.Publish(ctx, events.Warning(events.EventTypeProxyStarted, "", "proxy started"))
	return nil
}

// Stop stops the proxy process. Protected routes are unreachable until it is
// started again.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	err := c.supervisor.Stop(ctx)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("Proxy stop failed", "error", err, "output", apperr.Output(err))
		return err
	}

	metrics.SetProxyRunning(false)
	c.logger.Warn("Proxy stopped")
	c.events.Publish(ctx, events.Critical(events.EventTypeProxyStopped, "", "proxy stopped"))
	return nil
}

// IsRunning asks the supervisor whether the proxy is running.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	running, err := c.supervisor.Running(ctx)
	if err != nil {
		return false, err
	}
	metrics.SetProxyRunning(running)
	return running, nil
}

// Pending reports whether a persisted change has not reached the proxy yet.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Status combines the supervisor state with the controller's reload record.
// Supervisor errors are reported in the status, not returned.
func (c *Controller) Status(ctx context.Context) Status {
	running, err := c.IsRunning(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:   running,
		Pending:   c.pending,
		LastError: c.lastErr,
	}
	if !c.lastReload.IsZero() {
		t := c.lastReload
		st.LastReload = &t
	}
	if err != nil {
		st.SupervisorError = err.Error()
	}
	return st
}
