package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in responses.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id assigned to the request by Logging, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logging returns a middleware that assigns each request an id and logs it
// once the response is written.
func Logging(logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Keep an id supplied by a proxy in front of us
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Process request
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			// Log request
			entry := logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     wrapped.statusCode,
				"bytes":      wrapped.written,
				"duration":   time.Since(start),
				"remote_ip":  r.RemoteAddr,
				"user_agent": r.UserAgent(),
			})
			if wrapped.statusCode >= http.StatusInternalServerError {
				entry.Warn("HTTP request")
			} else {
				entry.Info("HTTP request")
			}
		})
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
// and body size
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}
