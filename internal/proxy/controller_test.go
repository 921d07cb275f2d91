package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/command"
	"github.com/vidamais/edgeguard/internal/command/commandtest"
	"github.com/vidamais/edgeguard/internal/events"
)

// MockSupervisor is a test implementation of ProcessSupervisor
type MockSupervisor struct {
	mu         sync.Mutex
	Restarts   int
	running    bool
	RestartErr error
	StartErr   error
	StopErr    error
}

func (m *MockSupervisor) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restarts++
	if m.RestartErr != nil {
		return m.RestartErr
	}
	m.running = true
	return nil
}

func (m *MockSupervisor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.running = true
	return nil
}

func (m *MockSupervisor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StopErr != nil {
		return m.StopErr
	}
	m.running = false
	return nil
}

func (m *MockSupervisor) Running(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}

func (m *MockSupervisor) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Restarts
}

// MockPublisher records published events
type MockPublisher struct {
	mu     sync.Mutex
	Events []events.Event
}

func (m *MockPublisher) Publish(ctx context.Context, e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
}

func (m *MockPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, e := range m.Events {
		types = append(types, e.Type)
	}
	return types
}

type failingTester struct{ err error }

func (f failingTester) TestConfig(ctx context.Context) error { return f.err }

func newTestController(t *testing.T, sup ProcessSupervisor) (*Controller, *MockPublisher) {
	t.Helper()
	pub := &MockPublisher{}
	c := NewController(ControllerConfig{
		ConfigPath: filepath.Join(t.TempDir(), "protected_routes.conf"),
		Template:   DefaultTemplate(),
		Supervisor: sup,
		Events:     pub,
	})
	return c, pub
}

func TestController_ApplyWritesAndReloads(t *testing.T) {
	sup := &MockSupervisor{}
	c, pub := newTestController(t, sup)

	if err := c.Apply(context.Background(), []string{"/a", "/b"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, err := os.ReadFile(c.ConfigPath())
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if strings.Index(string(data), "location /a") > strings.Index(string(data), "location /b") {
		t.Error("blocks out of registry order")
	}
	if sup.RestartCount() != 1 {
		t.Errorf("expected 1 reload, got %d", sup.RestartCount())
	}
	if c.Pending() {
		t.Error("expected no pending enforcement after a successful reload")
	}
	if got := pub.Types(); len(got) != 1 || got[0] != events.EventTypeProxyReloaded {
		t.Errorf("expected proxy_reloaded event, got %v", got)
	}
}

func TestController_ApplyOverwritesSnapshot(t *testing.T) {
	c, _ := newTestController(t, &MockSupervisor{})
	ctx := context.Background()

	c.Apply(ctx, []string{"/old"})
	c.Apply(ctx, []string{"/new"})

	data, _ := os.ReadFile(c.ConfigPath())
	if strings.Contains(string(data), "/old") {
		t.Error("expected snapshot to be fully overwritten")
	}
}

func TestController_ReloadFailureIsPending(t *testing.T) {
	sup := &MockSupervisor{RestartErr: commandtest.Fail("supervisorctl", []string{"restart", "nginx"}, "nginx: ERROR (spawn error)")}
	c, pub := newTestController(t, sup)

	err := c.Apply(context.Background(), []string{"/a"})
	if !errors.Is(err, apperr.ErrEnforcementPending) {
		t.Fatalf("expected ErrEnforcementPending, got %v", err)
	}
	if !errors.Is(err, apperr.ErrExternalTool) {
		t.Errorf("expected the tool failure to remain visible, got %v", err)
	}
	if _, statErr := os.Stat(c.ConfigPath()); statErr != nil {
		t.Error("snapshot must stay written when the reload fails")
	}
	if !c.Pending() {
		t.Error("expected pending enforcement")
	}
	st := c.Status(context.Background())
	if !st.Pending || st.LastError == "" {
		t.Errorf("unexpected status %+v", st)
	}
	if got := pub.Types(); len(got) != 1 || got[0] != events.EventTypeProxyReloadFailed {
		t.Errorf("expected proxy_reload_failed event, got %v", got)
	}

	// A later successful reload clears the pending state.
	sup.mu.Lock()
	sup.RestartErr = nil
	sup.mu.Unlock()
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if c.Pending() {
		t.Error("expected pending state to clear after a successful reload")
	}
	if st := c.Status(context.Background()); st.LastReload == nil {
		t.Error("expected last reload time to be recorded")
	}
}

func TestController_SnapshotWriteFailureIsPending(t *testing.T) {
	sup := &MockSupervisor{}
	c, pub := newTestController(t, sup)
	good := c.configPath
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	c.configPath = filepath.Join(blocker, "protected_routes.conf")

	err := c.Apply(context.Background(), []string{"/a"})
	if !errors.Is(err, apperr.ErrEnforcementPending) {
		t.Fatalf("expected ErrEnforcementPending, got %v", err)
	}
	if !errors.Is(err, apperr.ErrInternalIO) {
		t.Errorf("expected the write failure to remain visible, got %v", err)
	}
	if !c.Pending() {
		t.Error("expected pending enforcement")
	}
	if sup.RestartCount() != 0 {
		t.Error("proxy must not restart on a stale snapshot")
	}
	if got := pub.Types(); len(got) != 1 || got[0] != events.EventTypeProxyReloadFailed {
		t.Errorf("expected proxy_reload_failed event, got %v", got)
	}

	// Reload retries the write once the path is usable again.
	c.configPath = good
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	data, err := os.ReadFile(good)
	if err != nil || !strings.Contains(string(data), "location /a {") {
		t.Errorf("expected the pending snapshot to be written, got %q, %v", data, err)
	}
	if c.Pending() || sup.RestartCount() != 1 {
		t.Errorf("expected one restart and no pending state, got pending=%v restarts=%d", c.Pending(), sup.RestartCount())
	}
}

func TestController_ConfigTestBlocksReload(t *testing.T) {
	sup := &MockSupervisor{}
	c, _ := newTestController(t, sup)
	c.tester = failingTester{err: commandtest.Fail("nginx", []string{"-t"}, "unexpected }")}

	err := c.Apply(context.Background(), []string{"/a"})
	if !errors.Is(err, apperr.ErrEnforcementPending) {
		t.Fatalf("expected ErrEnforcementPending, got %v", err)
	}
	if sup.RestartCount() != 0 {
		t.Error("proxy must not be restarted when the config test fails")
	}
}

func TestController_ApplyInvalidRouteHasNoSideEffects(t *testing.T) {
	sup := &MockSupervisor{}
	c, _ := newTestController(t, sup)

	err := c.Apply(context.Background(), []string{"noslash"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, statErr := os.Stat(c.ConfigPath()); !os.IsNotExist(statErr) {
		t.Error("snapshot must not be written for invalid routes")
	}
	if sup.RestartCount() != 0 {
		t.Error("no reload expected")
	}
}

func TestController_StartStop(t *testing.T) {
	sup := &MockSupervisor{}
	c, pub := newTestController(t, sup)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if running, _ := c.IsRunning(ctx); !running {
		t.Error("expected running after start")
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if running, _ := c.IsRunning(ctx); running {
		t.Error("expected stopped after stop")
	}

	got := pub.Types()
	if len(got) != 2 || got[0] != events.EventTypeProxyStarted || got[1] != events.EventTypeProxyStopped {
		t.Errorf("unexpected events %v", got)
	}
}

func TestController_StartFailure(t *testing.T) {
	sup := &MockSupervisor{StartErr: commandtest.Timeout("supervisorctl", []string{"start", "nginx"})}
	c, pub := newTestController(t, sup)

	err := c.Start(context.Background())
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(pub.Types()) != 0 {
		t.Error("no event expected for a failed start")
	}
}

func TestSupervisorctl_Commands(t *testing.T) {
	runner := &commandtest.Runner{}
	s := NewSupervisorctl(runner, "")
	ctx := context.Background()

	s.Restart(ctx)
	s.Start(ctx)
	s.Stop(ctx)

	want := []string{"supervisorctl restart nginx", "supervisorctl start nginx", "supervisorctl stop nginx"}
	calls := runner.Calls()
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for i, c := range calls {
		if c.String() != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], c.String())
		}
	}
}

func TestSupervisorctl_Running(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		err     error
		want    bool
		wantErr bool
	}{
		{"running", "nginx                            RUNNING   pid 42, uptime 0:01:00\n", nil, true, false},
		{"stopped exits non-zero", "nginx                            STOPPED   Oct 19 10:00 AM\n", commandtest.Fail("supervisorctl", nil, ""), false, false},
		{"supervisord down", "", commandtest.Fail("supervisorctl", nil, "unix:///var/run/supervisor.sock no such file"), false, true},
		{"timeout", "", commandtest.Timeout("supervisorctl", nil), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &commandtest.Runner{Handler: func(name string, args []string) (command.Result, error) {
				return command.Result{Stdout: tt.stdout}, tt.err
			}}
			got, err := NewSupervisorctl(runner, "nginx").Running(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Running() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Running() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNginxTester(t *testing.T) {
	runner := &commandtest.Runner{}
	NewNginxTester(runner, "", "/etc/nginx/nginx.conf").TestConfig(context.Background())

	calls := runner.Calls()
	if len(calls) != 1 || calls[0].String() != "nginx -t -c /etc/nginx/nginx.conf" {
		t.Errorf("unexpected calls %v", calls)
	}
}
