package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxRequestBodySize = 1 << 20 // 1MB

// adminAuthMiddleware guards the mutating routes with the shared admin
// credential (basic auth). With no credential configured, mutating
// routes are closed rather than open.
func adminAuthMiddleware(user, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user == "" || password == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin credential not configured"})
				return
			}
			providedUser, providedPassword, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(providedUser), []byte(user)) == 1
			passwordOK := subtle.ConstantTimeCompare([]byte(providedPassword), []byte(password)) == 1
			if !ok || !userOK || !passwordOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="runboat"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).String(),
		)
	})
}

func bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

// tracingMiddleware opens a span per request on the global tracer (a
// no-op unless tracing is enabled).
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("runboat/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler stream through the logging wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
