package api

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/we-make-money/midjourney-proxy/internal/ratelimit"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs every HTTP request with method, path, status, and
// duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// APISecret rejects requests that do not present the configured secret,
// either in the mj-api-secret header or as a bearer token. An empty secret
// disables the check.
func APISecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get("mj-api-secret")
				if got == "" {
					got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				}
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					writeError(w, http.StatusUnauthorized, "invalid api secret")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit throttles per caller using the secret header when present,
// falling back to the remote address.
func RateLimit(limiter ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("mj-api-secret")
			if key == "" {
				if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
					key = host
				} else {
					key = r.RemoteAddr
				}
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// Fail open: a broken limiter must not take the API down.
				logger.Error("rate limiter error", slog.String("error", err.Error()))
				allowed = true
			}
			if !allowed {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
