// Package apperr defines the error taxonomy shared by the registries, the
// certificate gateway, the WAF manager and the proxy controller.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers branch on these with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrExternalTool       = errors.New("external tool failed")
	ErrInternalIO         = errors.New("internal I/O failure")
	ErrTimeout            = errors.New("external tool timed out")
	ErrEnforcementPending = errors.New("mutation applied, enforcement pending")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict returns an error wrapping ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InternalIO wraps cause as an ErrInternalIO failure.
func InternalIO(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInternalIO, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrInternalIO, op, cause)
}

// ToolError describes a failed invocation of an external process.
// It matches ErrExternalTool, or ErrTimeout when TimedOut is set.
type ToolError struct {
	Tool     string
	Args     []string
	Output   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	if len(e.Args) > 0 {
		b.WriteString(" ")
		b.WriteString(e.Args[0])
	}
	if e.TimedOut {
		b.WriteString(": timed out")
	} else {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString(": ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is reports the taxonomy kind of the tool failure.
func (e *ToolError) Is(target error) bool {
	if e.TimedOut {
		return target == ErrTimeout
	}
	return target == ErrExternalTool
}

// ReloadError is returned when a store mutation was persisted but the proxy
// could not be reloaded. The mutation stays applied and the reload must be
// retried.
type ReloadError struct {
	// Operation that had already been applied, e.g. "add route /ehr".
	Operation string
	Err       error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("%s applied but proxy reload failed: %v", e.Operation, e.Err)
}

func (e *ReloadError) Unwrap() []error {
	return []error{ErrEnforcementPending, e.Err}
}

// IsRetryable reports whether the failure is transient and the operation can
// be retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrEnforcementPending)
}

// Output extracts the diagnostic output of a ToolError in the chain.
func Output(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Output
	}
	return ""
}
