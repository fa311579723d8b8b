package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/clickguard/internal/middleware"
)

// DefaultMaxBodyBytes bounds confirm and verify bodies.
const DefaultMaxBodyBytes = 64 << 10

// RouterConfig holds everything NewRouter mounts. Audit, Gatherer and
// Limiter are optional.
type RouterConfig struct {
	Redeem      *RedeemHandlers
	Attestation *AttestationHandlers
	Health      *HealthHandlers
	Audit       *AuditHandlers

	// Limiter guards POST /verify by client IP.
	Limiter *middleware.PhaseLimiter

	Metrics      *middleware.Metrics
	Gatherer     prometheus.Gatherer
	MetricsToken string

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix

	CORS      middleware.CORSConfig
	Security  middleware.SecurityConfig
	Profiling middleware.ProfilingConfig

	ServiceName  string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter builds the service's HTTP handler with the full middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "clickguard"
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /redeem/{resourceId}", cfg.Redeem.Preview)
	mux.HandleFunc("POST /redeem/{resourceId}/confirm", cfg.Redeem.Confirm)

	cors := middleware.CORS(cfg.CORS)
	mux.Handle("/.well-known/attestation-keys",
		cors(allowMethods(http.HandlerFunc(cfg.Attestation.Keys), http.MethodGet, http.MethodHead)))

	var verify http.Handler = http.HandlerFunc(cfg.Attestation.Verify)
	if cfg.Limiter != nil {
		verify = middleware.RateLimiter(cfg.Limiter, middleware.PhaseVerify, middleware.IPKeyFunc())(verify)
	}
	mux.Handle("/verify", cors(allowMethods(verify, http.MethodPost)))

	mux.HandleFunc("/health", cfg.Health.Health)
	mux.HandleFunc("/ready", cfg.Health.Ready)

	if cfg.Gatherer != nil {
		metrics := promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
		mux.Handle("GET /metrics", requireToken(metrics, cfg.MetricsToken))
	}
	if cfg.Audit != nil {
		mux.HandleFunc("GET /internal/audit", cfg.Audit.Export)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteDenial(w, r.Context(), ReasonNotFound, "")
	})

	mws := []func(http.Handler) http.Handler{
		middleware.Recover(cfg.Logger),
		middleware.RealIP(cfg.TrustedProxies),
		middleware.RequestID,
		middleware.Tracing(cfg.ServiceName),
		middleware.Logging(cfg.Logger),
	}
	if cfg.Metrics != nil {
		mws = append(mws, middleware.HTTPMetrics(cfg.Metrics))
	}
	mws = append(mws,
		middleware.Profiling(cfg.Profiling),
		middleware.SecurityHeaders(cfg.Security),
		middleware.MaxBodyBytes(cfg.MaxBodyBytes),
	)
	return middleware.Chain(mux, mws...)
}

// allowMethods answers other methods with a JSON 405. OPTIONS reaches this
// only when CORS did not handle it as a preflight.
func allowMethods(next http.Handler, methods ...string) http.Handler {
	allow := strings.Join(methods, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Allow", allow)
		WriteDenial(w, r.Context(), ReasonMethodNotAllowed, "")
	})
}

func requireToken(next http.Handler, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !middleware.BearerTokenValid(r, token) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			WriteDenial(w, r.Context(), ReasonUnauthorized, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
