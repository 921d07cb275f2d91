package proxy

import (
	"context"
	"errors"
	"strings"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/command"
)

// ProcessSupervisor controls the proxy process.
type ProcessSupervisor interface {
	Restart(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// ConfigTester checks a rendered configuration before it is loaded.
type ConfigTester interface {
	TestConfig(ctx context.Context) error
}

// Supervisorctl drives a supervisord-managed program.
type Supervisorctl struct {
	runner  command.Runner
	program string
}

// NewSupervisorctl creates a supervisor for program (usually "nginx").
func NewSupervisorctl(runner command.Runner, program string) *Supervisorctl {
	if program == "" {
		program = "nginx"
	}
	return &Supervisorctl{runner: runner, program: program}
}

func (s *Supervisorctl) Restart(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "supervisorctl", "restart", s.program)
	return err
}

func (s *Supervisorctl) Start(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "supervisorctl", "start", s.program)
	return err
}

func (s *Supervisorctl) Stop(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "supervisorctl", "stop", s.program)
	return err
}

// Running reports whether supervisord lists the program as RUNNING.
// supervisorctl status exits non-zero for stopped programs, so a failed
// invocation that still printed the program's state is not an error.
func (s *Supervisorctl) Running(ctx context.Context) (bool, error) {
	res, err := s.runner.Run(ctx, "supervisorctl", "status", s.program)
	if err != nil && errors.Is(err, apperr.ErrTimeout) {
		return false, err
	}
	if strings.Contains(res.Stdout, "RUNNING") {
		return true, nil
	}
	if strings.Contains(res.Stdout, s.program) {
		return false, nil
	}
	return false, err
}

// NginxTester runs "nginx -t" against the main configuration.
type NginxTester struct {
	runner command.Runner
	binary string
	config string
}

// NewNginxTester creates a tester. An empty config tests the compiled-in
// default path.
func NewNginxTester(runner command.Runner, binary, config string) *NginxTester {
	if binary == "" {
		binary = "nginx"
	}
	return &NginxTester{runner: runner, binary: binary, config: config}
}

func (t *NginxTester) TestConfig(ctx context.Context) error {
	args := []string{"-t"}
	if t.config != "" {
		args = append(args, "-c", t.config)
	}
	_, err := t.runner.Run(ctx, t.binary, args...)
	return err
}
