// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/command"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner records invocations and answers them with Handler. A nil Handler
// succeeds with empty output.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	Handler func(name string, args []string) (command.Result, error)
}

var _ command.Runner = (*Runner)(nil)

func (r *Runner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: append([]string(nil), args...)})
	h := r.Handler
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return command.Result{}, &apperr.ToolError{Tool: name, Args: args, TimedOut: true, Err: err}
	}
	if h == nil {
		return command.Result{}, nil
	}
	return h(name, args)
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many calls started with the given command line prefix,
// e.g. "supervisorctl restart".
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// Fail returns a ToolError as a command exiting with code 1 would.
func Fail(name string, args []string, output string) error {
	return &apperr.ToolError{Tool: name, Args: args, Output: output, ExitCode: 1}
}

// Timeout returns a ToolError as a timed-out command would.
func Timeout(name string, args []string) error {
	return &apperr.ToolError{Tool: name, Args: args, TimedOut: true, ExitCode: -1, Err: context.DeadlineExceeded}
}
