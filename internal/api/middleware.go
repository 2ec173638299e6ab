package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lei/woodhouse/internal/config"
	"github.com/lei/woodhouse/pkg/logger"
)

// AuthMiddleware guards build triggers and cancels with API keys. With no
// keys configured every request is let through.
type AuthMiddleware struct {
	keys []config.APIKey
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(keys []config.APIKey) *AuthMiddleware {
	return &AuthMiddleware{keys: keys}
}

// Authenticate validates the bearer token from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		log := GetLogger(r.Context())

		token, reason := bearerToken(r)
		if reason != "" {
			log.Warn("authentication failed", "reason", reason)
			respondError(w, r, http.StatusUnauthorized, reason)
			return
		}

		name, ok := m.lookup(token)
		if !ok {
			log.Warn("authentication failed: invalid api key", "key_prefix", keyPrefix(token))
			respondError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}

		log.Debug("authenticated", "api_key_name", name)
		next.ServeHTTP(w, r.WithContext(withAPIKeyName(r.Context(), name)))
	})
}

// lookup compares against every key in constant time
func (m *AuthMiddleware) lookup(token string) (string, bool) {
	var name string
	found := 0
	for _, k := range m.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k.Key)) == 1 {
			name = k.Name
			found = 1
		}
	}
	return name, found == 1
}

func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", "invalid authorization format, expected 'Bearer <token>'"
	}
	return token, ""
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// LoggingMiddleware puts a request-scoped logger into the context and logs
// each request when it completes
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(l *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: l}
}

// Handler wraps HTTP handlers with logging
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		reqLogger := m.logger.With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := logger.WithContext(r.Context(), reqLogger)
		ctx = withRequestID(ctx, requestID)

		reqLogger.Debug("request started",
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent())

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		defer func() {
			args := []any{
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_written", wrapped.bytesWritten,
			}
			switch {
			case wrapped.statusCode >= 500:
				reqLogger.Error("request completed", args...)
			case wrapped.statusCode >= 400:
				reqLogger.Warn("request completed", args...)
			case wrapped.streaming():
				// stream handlers log their own outcome
				reqLogger.Debug("request completed", args...)
			default:
				reqLogger.Info("request completed", args...)
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// responseWriter records the status and byte count while passing flushes
// through to the connection
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	http.NewResponseController(rw.ResponseWriter).Flush()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) streaming() bool {
	return strings.HasPrefix(rw.Header().Get("Content-Type"), "text/event-stream")
}
