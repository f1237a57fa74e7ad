package ratelimit

import (
	"fmt"
	"net/http"
)

// Middleware enforces the limiter on every request it wraps. Keys derive
// from the peer address, or from the first X-Forwarded-For value when the
// peer is a trusted proxy.
func Middleware(l *Limiter, trustedProxies []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r, trustedProxies)
			res, err := l.Allow(r.Context(), key, r.Method, r.URL.Path)
			if err != nil {
				// A broken counter store must not take the API down.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.Reset))

			if !res.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", res.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
