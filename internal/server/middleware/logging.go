package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Logger returns an HTTP middleware that writes one structured access log
// line per request. The admitted principal is recorded by type and key ID;
// the presented secret never is.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			// The gate attaches the principal to a derived request, so it is
			// reported back through the wrapper.
			r = r.WithContext(withPrincipalSink(r.Context(), ww))

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(duration.Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if p := ww.principal; p != nil {
				attrs = append(attrs, "principal", p.Type)
				if p.KeyID != 0 {
					attrs = append(attrs, "key_id", p.KeyID)
				}
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written for logging purposes.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
	principal   *Principal
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

const principalSinkKey contextKey = "principal_sink"

func withPrincipalSink(ctx context.Context, w *responseWriter) context.Context {
	return context.WithValue(ctx, principalSinkKey, w)
}

// reportPrincipal hands the admitted principal to the access logger, if any.
func reportPrincipal(ctx context.Context, p *Principal) {
	if w, ok := ctx.Value(principalSinkKey).(*responseWriter); ok {
		w.principal = p
	}
}
