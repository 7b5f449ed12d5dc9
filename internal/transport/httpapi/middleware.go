package httpapi

import (
	"net"
	"net/http"
	"strconv"

	"github.com/sensorgrid/ingest/internal/ratelimit"
)

// corsMiddleware allows browser dashboards to hit the read endpoints.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Device-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port; X-Forwarded-For's first hop wins behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipRateLimitMiddleware enforces the per-IP scope on every ingest route.
func ipRateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.CheckIP(clientIP(r)); err != nil {
					w.Header().Set("Retry-After", "60")
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit(ratelimit.ScopeIP)))
					writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
