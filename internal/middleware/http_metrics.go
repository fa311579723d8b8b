// Package middleware provides HTTP middleware components for the redemption service.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// normalizePath maps request paths to route patterns so that resource ids
// never become metric labels.
func normalizePath(path string) string {
	switch path {
	case "/", "/verify", "/health", "/ready", "/metrics", "/.well-known/attestation-keys", "/internal/audit":
		return path
	}

	if strings.HasPrefix(path, "/redeem/") {
		parts := strings.Split(path, "/")
		// /redeem/{id}
		if len(parts) == 3 && parts[2] != "" {
			return "/redeem/{id}"
		}
		// /redeem/{id}/confirm
		if len(parts) == 4 && parts[2] != "" && parts[3] == "confirm" {
			return "/redeem/{id}/confirm"
		}
	}

	// Unknown routes collapse to one label to bound cardinality.
	return "other"
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rw.statusCode),
				time.Since(start).Seconds(),
				int64(rw.size),
			)
		})
	}
}
