// Package command runs external tools (openssl, supervisorctl, the naxsi
// rule optimizer) with a hard timeout and captured diagnostics.
package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/logger"
	"github.com/vidamais/edgeguard/internal/metrics"
)

// DefaultTimeout bounds a single external invocation.
const DefaultTimeout = 30 * time.Second

// Result holds the captured output of a successful invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes a named tool. A non-zero exit or a timeout is returned as
// *apperr.ToolError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecRunner creates an ExecRunner. A zero timeout selects DefaultTimeout.
func NewExecRunner(timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{timeout: timeout, logger: logger}
}

// Run executes name with args under the runner timeout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		metrics.RecordCommand(name, metrics.StatusSuccess, elapsed.Seconds())
		r.logger.Debug("Command completed", "tool", name, "args", logger.RedactArgs(args), "duration", elapsed)
		return res, nil
	}

	toolErr := &apperr.ToolError{
		Tool:     name,
		Args:     args,
		Output:   diagnostic(res),
		ExitCode: -1,
		Err:      err,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		toolErr.TimedOut = true
		metrics.RecordCommand(name, metrics.StatusTimeout, elapsed.Seconds())
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		}
		metrics.RecordCommand(name, metrics.StatusFailed, elapsed.Seconds())
	}

	r.logger.Warn("Command failed",
		"tool", name,
		"args", logger.RedactArgs(args),
		"exit_code", toolErr.ExitCode,
		"timed_out", toolErr.TimedOut,
		"output", toolErr.Output,
	)
	return res, toolErr
}

// diagnostic prefers stderr, which is where openssl and supervisorctl report.
func diagnostic(res Result) string {
	if res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}
