package ingress

import (
	"context"
	"net/http"
	"time"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// while still satisfying http.Flusher, so SSE handlers downstream keep
// working through the middleware chain. Grounded on the reference
// framework's core/middleware.go responseWriter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs every request's method, path, status and
// duration at INFO, escalating to WARN/ERROR by status code.
func loggingMiddleware(logger gatewaycore.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.ErrorContext(r.Context(), "request failed", fields)
			case wrapped.statusCode >= 400:
				logger.WarnContext(r.Context(), "request rejected", fields)
			default:
				logger.InfoContext(r.Context(), "request handled", fields)
			}
		})
	}
}

// recoveryMiddleware converts a panicking handler into a 500 response
// instead of crashing the process, and logs the panic for diagnosis.
func recoveryMiddleware(logger gatewaycore.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered", map[string]interface{}{"panic": rec})
					writeError(w, http.StatusInternalServerError, "internal error", "InternalError")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware sets permissive CORS headers and short-circuits
// preflight OPTIONS requests, gated behind the http.cors_enabled config
// flag since most deployments sit behind a trusted gateway/proxy that
// already handles this.
func corsMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deadlineMiddleware enforces the per-request wall-clock deadline
// spec.md §5 assigns to the Orchestrator.
func deadlineMiddleware(deadline time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), deadline)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
