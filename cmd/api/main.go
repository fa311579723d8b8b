// Package main is the entry point for the redemption service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/clickguard/internal/actor"
	"github.com/onnwee/clickguard/internal/api"
	"github.com/onnwee/clickguard/internal/attestation"
	"github.com/onnwee/clickguard/internal/audit"
	"github.com/onnwee/clickguard/internal/challenge"
	"github.com/onnwee/clickguard/internal/config"
	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/db"
	"github.com/onnwee/clickguard/internal/delivery"
	"github.com/onnwee/clickguard/internal/health"
	"github.com/onnwee/clickguard/internal/jobs"
	"github.com/onnwee/clickguard/internal/ledger"
	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/permit"
	"github.com/onnwee/clickguard/internal/scanner"
	"github.com/onnwee/clickguard/internal/site"
	"github.com/onnwee/clickguard/internal/tracing"
)

const (
	serviceName        = "clickguard"
	deliveryQueueKey   = "clickguard:delivery"
	deliveryQueueSize  = 1024
	auditBufferSize    = 10000
	rateLimitSweep     = time.Minute
	permitReapInterval = 10 * time.Minute
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CLICKGUARD_CONFIG"), "path to a YAML config file")
	rotateHost := flag.String("rotate-site-token", "", "rotate the access token of the site with this hostname, print it and exit")
	flag.Parse()

	if *help {
		fmt.Println("clickguard redemption service")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *rotateHost != "" {
		if err := rotateFromConfig(ctx, cfg, *rotateHost, os.Stdout, logger); err != nil {
			logger.Error("token rotation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Version:      version,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	permitMetrics := permit.NewMetrics()
	scannerMetrics := scanner.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, permitMetrics, scannerMetrics, jobMetrics} {
		if err := r.Register(reg); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	checkers := make(map[string]health.Checker)

	// Postgres backs the ledger and site directory when configured.
	var (
		conn       *sql.DB
		ledgerRepo ledger.Repository
		sites      site.Resolver
	)
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
		if err != nil {
			return err
		}
		defer conn.Close()
		checkers["database"] = health.NewDBChecker(conn)

		ledgerRepo = ledger.NewPostgresRepository(conn)
		dir := site.NewPostgresDirectory(conn, logger)
		if err := seedSites(ctx, dir, cfg.SitePolicies(), os.Stderr, logger); err != nil {
			return err
		}
		sites = dir
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger and site directory")
		dir, err := site.NewMemoryDirectory(cfg.SitePolicies()...)
		if err != nil {
			return fmt.Errorf("site directory: %w", err)
		}
		ledgerRepo = ledger.NewMemoryRepository()
		sites = dir
	}

	// Redis backs permits, rate limit windows and the delivery retry queue
	// when configured; otherwise per-key actors serialise in-process state.
	actors := actor.NewRegistry(actor.Options{})
	defer actors.Close()

	var (
		rdb        *redis.Client
		permits    permit.Store
		limitStore middleware.RateLimitStore
		retryQueue delivery.RetryQueue
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		checkers["redis"] = health.NewRedisChecker(rdb)

		permits = permit.NewRedisStore(rdb, permit.WithMetrics(permitMetrics))
		limitStore = middleware.NewRedisRateLimitStore(rdb)
		retryQueue = delivery.NewRedisQueue(rdb, deliveryQueueKey)
	} else {
		logger.Warn("REDIS_URL not set, using in-process permit and rate limit stores")
		memPermits := permit.NewMemoryStore(actors, permit.WithMetrics(permitMetrics))
		go permit.RunReaper(ctx, memPermits, permitReapInterval, permit.DefaultRetention, jobMetrics)
		permits = memPermits

		memLimits := middleware.NewInMemoryRateLimitStore(actors)
		go sweepRateLimits(ctx, memLimits, jobMetrics)
		limitStore = memLimits
		retryQueue = delivery.NewMemoryQueue(deliveryQueueSize)
	}

	limiter := middleware.NewPhaseLimiter(limitStore, map[middleware.Phase]middleware.RateLimitConfig{
		middleware.PhasePreview: {RequestsPerWindow: cfg.PreviewRateLimit, WindowDuration: cfg.RateLimitWindow},
		middleware.PhaseConfirm: {RequestsPerWindow: cfg.ConfirmRateLimit, WindowDuration: cfg.RateLimitWindow},
		middleware.PhaseVerify:  {RequestsPerWindow: cfg.VerifyRateLimit, WindowDuration: cfg.RateLimitWindow},
	}, httpMetrics)

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}
	verifier := attestation.NewVerifier(signer.KeySet(), ledgerRepo)

	var challenges challenge.Verifier
	if cfg.ChallengeSecret != "" {
		v, err := challenge.NewHTTPVerifier(cfg.ChallengeEndpoint, cfg.ChallengeSecret)
		if err != nil {
			return err
		}
		challenges = v
	}

	var dispatcher *delivery.Dispatcher
	if cfg.DeliveryURL != "" {
		sender, err := delivery.NewHTTPSender(cfg.DeliveryURL, nil)
		if err != nil {
			return err
		}
		dispatcher = delivery.NewDispatcher(sender, retryQueue, delivery.DispatcherConfig{
			Timeout: cfg.DeliveryTimeout,
			Logger:  logger,
			Metrics: jobMetrics,
		})
		worker := delivery.NewWorker(retryQueue, sender, delivery.WorkerConfig{
			RatePerSecond: cfg.DeliveryRate,
			Logger:        logger,
			Metrics:       jobMetrics,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("delivery worker stopped", "error", err)
			}
		}()
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	auditRepo := audit.NewInMemoryRepository(auditBufferSize)
	recorder := audit.NewRecorder(auditRepo, logger)

	handler := api.NewRouter(api.RouterConfig{
		Redeem: api.NewRedeemHandlers(api.RedeemConfig{
			Sites:              sites,
			Permits:            permits,
			Limiter:            limiter,
			Ledger:             ledgerRepo,
			Signer:             signer,
			Dispatcher:         dispatcher,
			Challenge:          challenges,
			Audit:              recorder,
			Scanners:           scannerMetrics,
			AudiencePrefix:     cfg.AudiencePrefix,
			PermitTTL:          cfg.PermitTTL,
			AttestationTTL:     cfg.AttestationTTL,
			ReplayWindow:       cfg.ReplayWindow,
			ChallengeScriptURL: cfg.ChallengeScriptURL,
			Logger:             logger,
		}),
		Attestation:    api.NewAttestationHandlers(signer.KeySet(), verifier, recorder, logger),
		Health:         api.NewHealthHandlers(api.HealthHandlersConfig{Checkers: checkers}),
		Audit:          api.NewAuditHandlers(auditRepo, cfg.MetricsToken, sites, logger),
		Limiter:        limiter,
		Metrics:        httpMetrics,
		Gatherer:       reg,
		MetricsToken:   cfg.MetricsToken,
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		TrustedProxies: proxies,
		Security:       securityConfig(cfg.ChallengeScriptURL),
		Profiling: middleware.ProfilingConfig{
			Enabled:     cfg.ProfilingEnabled,
			Environment: cfg.Env,
			Token:       cfg.MetricsToken,
		},
		ServiceName: serviceName,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Error("delivery dispatcher did not drain", "error", err)
		}
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", "error", err)
	}
	return nil
}

// newSigner loads the configured signing key. Outside production a missing
// key yields an ephemeral one so local runs work without setup.
func newSigner(cfg *config.Config, logger *slog.Logger) (*attestation.Signer, error) {
	if cfg.SigningKey != "" {
		signer, err := attestation.NewSignerFromSeed(cfg.SigningKey, cfg.PreviousVerificationKeys...)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		return signer, nil
	}

	_, private, err := cryptoutil.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	signer, err := attestation.NewSigner(private)
	if err != nil {
		return nil, err
	}
	logger.Warn("SIGNING_KEY not set, attestations use an ephemeral key", "kid", signer.KeyID())
	return signer, nil
}

// seedSites creates configured sites that the directory does not know yet.
// Existing rows are left untouched; the directory is the source of truth.
// A site created without a configured access_token_hash gets a fresh token,
// written to out once.
func seedSites(ctx context.Context, dir site.Directory, policies []site.Policy, out io.Writer, logger *slog.Logger) error {
	for _, p := range policies {
		_, err := dir.ByHostname(ctx, p.Hostname)
		if err == nil {
			continue
		}
		if !errors.Is(err, site.ErrNotFound) {
			return fmt.Errorf("seeding site %q: %w", p.Hostname, err)
		}
		created, raw, err := dir.Create(ctx, p)
		if err != nil {
			return fmt.Errorf("seeding site %q: %w", p.Hostname, err)
		}
		logger.Info("seeded site", "site_id", created.SiteID, "hostname", created.Hostname)
		if raw != "" {
			fmt.Fprintf(out, "site %s (%s) access token: %s\n", created.SiteID, created.Hostname, raw)
			logger.Warn("new site access token printed once; store it now", "site_id", created.SiteID)
		}
	}
	return nil
}

// rotateFromConfig rotates a token in the configured database.
func rotateFromConfig(ctx context.Context, cfg *config.Config, hostname string, out io.Writer, logger *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("rotating a site token requires DATABASE_URL")
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer conn.Close()
	return rotateSiteToken(ctx, site.NewPostgresDirectory(conn, logger), hostname, out)
}

// rotateSiteToken replaces the access token of the site serving hostname and
// writes the new raw token to out.
func rotateSiteToken(ctx context.Context, dir site.Directory, hostname string, out io.Writer) error {
	p, err := dir.ByHostname(ctx, hostname)
	if err != nil {
		return fmt.Errorf("site %q: %w", hostname, err)
	}
	raw, err := dir.RotateAccessToken(ctx, p.SiteID)
	if err != nil {
		return fmt.Errorf("rotating token for %q: %w", p.SiteID, err)
	}
	_, err = fmt.Fprintln(out, raw)
	return err
}

func sweepRateLimits(ctx context.Context, store *middleware.InMemoryRateLimitStore, metrics *jobs.Metrics) {
	ticker := time.NewTicker(rateLimitSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			store.Cleanup()
			metrics.Track(jobs.JobTypeRateLimitCleanup, start, "")
		case <-ctx.Done():
			return
		}
	}
}

// securityConfig lets the interstitial load the challenge widget.
func securityConfig(scriptURL string) middleware.SecurityConfig {
	u, err := url.Parse(scriptURL)
	if err != nil || u.Host == "" {
		return middleware.SecurityConfig{}
	}
	origin := u.Scheme + "://" + u.Host
	return middleware.SecurityConfig{
		ScriptSources: []string{origin},
		FrameSources:  []string{origin},
	}
}
