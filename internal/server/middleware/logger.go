package middleware

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
)

// NewRequestLogger logs each request once it completes, with its status and
// duration. For socket upgrades the duration is the connection's lifetime.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ClientIP(r)),
			)
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Info("Handled HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ClientIP(r)),
				slog.Int("status", m.Code),
				slog.Duration("duration", m.Duration),
				slog.Int64("bytes", m.Written),
			)
		})
	}
}
