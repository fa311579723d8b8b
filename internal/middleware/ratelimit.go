// Package middleware provides HTTP middleware components for the redemption service.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/clickguard/internal/actor"
)

// RateLimitConfig defines the rate limiting configuration.
// Valid values:
//   - RequestsPerWindow: must be > 0
//   - WindowDuration: must be > 0
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the fixed window length.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// Phase identifies which half of the handshake a request belongs to. Scanners
// hit preview far more than confirm, so each phase has its own limit.
type Phase string

// Handshake phases.
const (
	PhasePreview Phase = "preview"
	PhaseConfirm Phase = "confirm"
	PhaseVerify  Phase = "verify"
)

var defaultPreviewLimit = RateLimitConfig{
	RequestsPerWindow: 60,
	WindowDuration:    time.Minute,
}

var defaultConfirmLimit = RateLimitConfig{
	RequestsPerWindow: 10,
	WindowDuration:    time.Minute,
}

var defaultVerifyLimit = RateLimitConfig{
	RequestsPerWindow: 120,
	WindowDuration:    time.Minute,
}

// DefaultPreviewLimit returns the default preview phase limit (60 per minute).
func DefaultPreviewLimit() RateLimitConfig {
	return defaultPreviewLimit
}

// DefaultConfirmLimit returns the default confirm phase limit (10 per minute).
func DefaultConfirmLimit() RateLimitConfig {
	return defaultConfirmLimit
}

// DefaultVerifyLimit returns the default attestation verify limit (120 per minute).
func DefaultVerifyLimit() RateLimitConfig {
	return defaultVerifyLimit
}

// RateLimitResult is the outcome of a single Allow call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window resets. Zero when allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (r RateLimitResult) RetryAfterSeconds() int {
	secs := int(math.Ceil(r.RetryAfter.Seconds()))
	if secs <= 0 {
		return 1
	}
	return secs
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	// Allow records one request for key and reports whether it is within
	// the limit. An error means the counting store is unavailable.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}

// window is the fixed-window state for a single key. Windows are never
// mutated after they are stored; the key's actor replaces them.
type window struct {
	count int
	start time.Time
	end   time.Time
}

// InMemoryRateLimitStore implements RateLimitStore in process. The counter
// for each key is updated on that key's actor.
type InMemoryRateLimitStore struct {
	actors *actor.Registry
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

// NewInMemoryRateLimitStore creates an in-memory store hosted on actors.
func NewInMemoryRateLimitStore(actors *actor.Registry) *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		actors:  actors,
		now:     time.Now,
		windows: make(map[string]window),
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error) {
	var res RateLimitResult
	err := s.actors.Do(ctx, "ratelimit:"+key, func() {
		now := s.now()

		s.mu.Lock()
		w := s.windows[key]
		s.mu.Unlock()

		if w.end.IsZero() || !now.Before(w.end) {
			w = window{start: now, end: now.Add(config.WindowDuration)}
		}
		w.count++

		s.mu.Lock()
		s.windows[key] = w
		s.mu.Unlock()

		res = RateLimitResult{
			Allowed:   w.count <= config.RequestsPerWindow,
			Remaining: max(config.RequestsPerWindow-w.count, 0),
		}
		if !res.Allowed {
			res.RetryAfter = w.end.Sub(now)
		}
	})
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit: %w", err)
	}
	return res, nil
}

// Cleanup removes elapsed windows. A window swept while its actor is
// mid-update is stored again by that actor.
func (s *InMemoryRateLimitStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if !w.end.IsZero() && !now.Before(w.end) {
			delete(s.windows, key)
		}
	}
}

// RedisRateLimitStore implements RateLimitStore with INCR and EXPIRE NX in a
// single pipeline, so all API instances share one counter per key.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		prefix: "clickguard:ratelimit:",
	}
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error) {
	redisKey := s.prefix + key

	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, config.WindowDuration)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit: %w", err)
	}

	count := int(incr.Val())
	res := RateLimitResult{
		Allowed:   count <= config.RequestsPerWindow,
		Remaining: max(config.RequestsPerWindow-count, 0),
	}
	if !res.Allowed {
		res.RetryAfter = pttl.Val()
		if res.RetryAfter <= 0 {
			res.RetryAfter = config.WindowDuration
		}
	}
	return res, nil
}

// RateLimitKey builds the counter key for a site, client and phase.
func RateLimitKey(site, ip string, phase Phase) string {
	return site + "|" + ip + "|" + string(phase)
}

// PhaseLimiter applies per-phase limits keyed by (site, ip, phase). It fails
// open: when the store errors the request is allowed, the error is logged and
// counted, and the remaining quota is estimated as limit-1.
type PhaseLimiter struct {
	store   RateLimitStore
	limits  map[Phase]RateLimitConfig
	metrics *Metrics
}

// NewPhaseLimiter creates a limiter with the given per-phase limits. Phases
// missing from limits fall back to the defaults. metrics may be nil.
func NewPhaseLimiter(store RateLimitStore, limits map[Phase]RateLimitConfig, metrics *Metrics) *PhaseLimiter {
	merged := map[Phase]RateLimitConfig{
		PhasePreview: defaultPreviewLimit,
		PhaseConfirm: defaultConfirmLimit,
		PhaseVerify:  defaultVerifyLimit,
	}
	for phase, cfg := range limits {
		if cfg.Validate() == nil {
			merged[phase] = cfg
		}
	}
	return &PhaseLimiter{store: store, limits: merged, metrics: metrics}
}

// Limit returns the configuration for phase.
func (l *PhaseLimiter) Limit(phase Phase) RateLimitConfig {
	if cfg, ok := l.limits[phase]; ok {
		return cfg
	}
	return defaultPreviewLimit
}

// Check records a request and reports whether it may proceed.
func (l *PhaseLimiter) Check(ctx context.Context, site, ip string, phase Phase) RateLimitResult {
	cfg := l.Limit(phase)
	if l.metrics != nil {
		l.metrics.IncRateLimitRequests(string(phase))
	}

	res, err := l.store.Allow(ctx, RateLimitKey(site, ip, phase), cfg)
	if err != nil {
		slog.WarnContext(ctx, "rate limit store unavailable, failing open",
			"phase", phase, "site", site, "error", err)
		if l.metrics != nil {
			l.metrics.IncRateLimitStoreErrors()
		}
		return RateLimitResult{Allowed: true, Remaining: cfg.RequestsPerWindow - 1}
	}

	if !res.Allowed && l.metrics != nil {
		l.metrics.IncRateLimitBlocked(string(phase))
	}
	return res
}

// WriteRateLimitHeaders sets Retry-After and X-RateLimit-* headers.
func WriteRateLimitHeaders(w http.ResponseWriter, cfg RateLimitConfig, res RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		retryAfter := res.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		// X-RateLimit-Reset is a Unix timestamp
		resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
	}
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the address resolved by RealIP. Without RealIP in the
// chain it is the RemoteAddr host; forwarding headers are never read here.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return ClientIP
}

// RateLimiter is a middleware that limits request rates for one phase using
// keyFunc as the client identity. It returns 429 with a JSON error body when
// the limit is exceeded and fails open like PhaseLimiter.Check.
func RateLimiter(limiter *PhaseLimiter, phase Phase, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Check(r.Context(), "global", keyFunc(r), phase)
			WriteRateLimitHeaders(w, limiter.Limit(phase), res)

			if !res.Allowed {
				SetErrorCode(r.Context(), "rate_limited")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"ok":false,"reason":"rate_limited"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
