package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"goa.design/relay/auth"
	"goa.design/relay/metrics"
)

// Middleware enforces the budget for one route key. Every response carries the
// X-RateLimit-* headers; rejections get 429 with Retry-After. The identifier
// is "user:<id>" for authenticated requests, "ip:<addr>" otherwise.
func Middleware(l *Limiter, routes RouteConfig, routeKey string, m *metrics.Metrics) func(http.Handler) http.Handler {
	limit, window := routes.Limit(routeKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Check(r.Context(), Identifier(r), routeKey, limit, window)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
			if !res.Allowed {
				m.RateLimitHit(routeKey)
				h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate limit exceeded",
					"retry_after": res.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Identifier derives the rate-limit identity for a request: the authenticated
// user when present, the remote IP otherwise.
func Identifier(r *http.Request) string {
	if userID := auth.UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
