package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Access log formats.
const (
	FormatDetailed   = "detailed"   // one line when the request arrives, one when it completes
	FormatCompact    = "compact"    // a single nginx-style line
	FormatStructured = "structured" // a single line with every field as an attribute
	FormatNone       = "none"
)

// Logging returns access-log middleware in the given format. Unknown formats
// fall back to detailed. Request and response bodies are never logged.
func Logging(logger *slog.Logger, format string) func(http.Handler) http.Handler {
	switch format {
	case FormatNone:
		return func(next http.Handler) http.Handler { return next }
	case FormatCompact:
		return compactLogging(logger)
	case FormatStructured:
		return structuredLogging(logger)
	default:
		return detailedLogging(logger)
	}
}

func detailedLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			l := logger.With("request_id", RequestIDFromContext(r.Context()), "method", r.Method, "path", r.URL.Path)
			l.Info("→ request", "remote_addr", r.RemoteAddr)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			l.Info("← response", "status", status(ww), "duration", time.Since(start))
		})
	}
}

func compactLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info(fmt.Sprintf("%s %s %d %s %s", r.Method, r.URL.Path, status(ww), time.Since(start), r.RemoteAddr))
		})
	}
}

func structuredLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status(ww)),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.Int64("content_length", r.ContentLength),
				slog.Int("bytes_written", ww.BytesWritten()),
			)
		})
	}
}

// status reports 200 for handlers that wrote a body without a header.
func status(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
