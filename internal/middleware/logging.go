package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/vidamais/edgeguard/internal/logger"
)

// quietPrefixes are logged at debug level on success; probes and scrapes
// would otherwise drown the audit-relevant lines.
var quietPrefixes = []string{"/health", "/metrics"}

// StructuredLogger logs one line per request with the request ID, the
// operator once authenticated, and the outcome. Mount it after
// middleware.RequestID.
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// The auth middleware runs deeper in the chain and reports the
			// operator back through this slot.
			var actor string
			r = r.WithContext(withActorSlot(r.Context(), &actor))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			reqLog := logger.FromContext(r.Context(), log)
			if actor != "" {
				reqLog = reqLog.With(slog.String("actor", actor))
			}
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				attrs = append(attrs, slog.String("x_forwarded_for", xff))
			}

			switch status := ww.Status(); {
			case status >= 500:
				reqLog.Error("HTTP request completed with server error", attrs...)
			case status >= 400:
				reqLog.Warn("HTTP request completed with client error", attrs...)
			case isQuiet(r.URL.Path):
				reqLog.Debug("HTTP request completed", attrs...)
			default:
				reqLog.Info("HTTP request completed", attrs...)
			}
		})
	}
}

func isQuiet(path string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
