package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig controls the /debug/pprof routes.
type ProfilingConfig struct {
	// Enabled exposes the routes. Ignored in production.
	Enabled bool

	Environment string

	// Token, when set, must be presented as a bearer token.
	Token string
}

func (c ProfilingConfig) active() bool {
	if !c.Enabled {
		return false
	}
	return c.Environment != "production" && c.Environment != "prod"
}

// Profiling serves pprof under /debug/pprof/ and passes every other request
// to next. When profiling is inactive it returns next unchanged.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if config.Enabled && !config.active() {
			slog.Error("profiling cannot be enabled in production", "environment", config.Environment)
		}
		if !config.active() {
			return next
		}
		slog.Warn("profiling endpoints enabled", "environment", config.Environment, "endpoints", "/debug/pprof/*")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			if !BearerTokenValid(r, config.Token) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				pprof.Index(w, r)
			}
		})
	}
}

// BearerTokenValid reports whether r carries want as a bearer token. An empty
// want accepts every request.
func BearerTokenValid(r *http.Request, want string) bool {
	if want == "" {
		return true
	}
	got, ok := BearerToken(r)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || got == "" {
		return "", false
	}
	return got, true
}
