// Package logger builds the service's slog logger. Attributes that look like
// secrets (bundle passphrases, bot tokens, signing keys) are redacted before
// they reach the output, including passphrases passed inline to openssl.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	appctx "github.com/vidamais/edgeguard/internal/context"
)

// Redacted replaces every masked value.
const Redacted = "[REDACTED]"

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// Format is json or text
	Format string
	// Output is stdout, stderr or a file path
	Output string
	// AddSource adds source file and line number to log entries
	AddSource bool
}

// DefaultConfig reads LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT and LOG_ADD_SOURCE.
func DefaultConfig() Config {
	return Config{
		Level:     getEnv("LOG_LEVEL", "info"),
		Format:    getEnv("LOG_FORMAT", "json"),
		Output:    getEnv("LOG_OUTPUT", "stdout"),
		AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
	}
}

// New creates the structured logger described by cfg. An output file that
// cannot be opened falls back to stdout.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: sanitizeAttributes,
	}
	out := openOutput(cfg.Output)
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func openOutput(dest string) io.Writer {
	switch strings.ToLower(dest) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return os.Stdout
	}
	return f
}

// sensitiveKeys are matched as substrings of the lower-cased attribute key,
// so "p12_password" and "telegram_bot_token" are caught too.
var sensitiveKeys = []string{
	"password",
	"passphrase",
	"passout",
	"token",
	"secret",
	"authorization",
	"credential",
	"private_key",
	"api_key",
	"cakey",
}

// sanitizeAttributes masks sensitive attributes. Tool arguments are checked
// element by element since openssl receives its passphrase as "pass:<secret>".
func sanitizeAttributes(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, Redacted)
		}
	}
	if a.Value.Kind() == slog.KindAny {
		if args, ok := a.Value.Any().([]string); ok {
			return slog.Any(a.Key, RedactArgs(args))
		}
	}
	return a
}

// RedactArgs returns a copy of a command line with inline passphrases masked.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "pass:"):
			out[i] = "pass:" + Redacted
		case i > 0 && isPassFlag(args[i-1]):
			out[i] = Redacted
		default:
			out[i] = arg
		}
	}
	return out
}

func isPassFlag(flag string) bool {
	switch flag {
	case "-password", "-passout", "-passin", "-key":
		return true
	}
	return false
}

// FromContext returns base tagged with the request ID set by chi's
// RequestID middleware and the authenticated operator, when present.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if id := middleware.GetReqID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if actor, ok := appctx.ExtractActor(ctx); ok {
		attrs = append(attrs, slog.String("actor", actor))
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}
