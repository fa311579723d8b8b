// Package config provides configuration loading and validation for the
// redemption service. It uses koanf to merge environment variables with
// optional file overrides; the site directory seed comes from the file only.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/site"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. Empty URLs select the in-process stores.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Attestation signing
	SigningKey               string        `koanf:"signing_key"`
	PreviousVerificationKeys []string      `koanf:"previous_verification_keys"`
	AudiencePrefix           string        `koanf:"audience_prefix"`
	AttestationTTL           time.Duration `koanf:"attestation_ttl"`

	// Handshake
	PermitTTL    time.Duration `koanf:"permit_ttl"`
	ReplayWindow time.Duration `koanf:"replay_window"`

	// Challenge provider
	ChallengeSecret    string `koanf:"challenge_secret"`
	ChallengeEndpoint  string `koanf:"challenge_endpoint"`
	ChallengeScriptURL string `koanf:"challenge_script_url"`

	// Attestation delivery. An empty URL disables delivery.
	DeliveryURL     string        `koanf:"delivery_url"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	DeliveryRate    float64       `koanf:"delivery_rate"`

	// Rate limits, requests per window per site and client IP
	PreviewRateLimit int           `koanf:"rate_limit_preview"`
	ConfirmRateLimit int           `koanf:"rate_limit_confirm"`
	VerifyRateLimit  int           `koanf:"rate_limit_verify"`
	RateLimitWindow  time.Duration `koanf:"rate_limit_window"`

	// Internal endpoints and cross-origin consumers
	MetricsToken       string   `koanf:"metrics_token"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are honoured. Empty means RemoteAddr only.
	TrustedProxies []string `koanf:"trusted_proxies"`

	// Observability
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
	ProfilingEnabled  bool    `koanf:"profiling_enabled"`

	// Sites seeds the in-memory site directory.
	Sites []SiteConfig `koanf:"sites"`
}

// SiteConfig is one entry of the YAML sites list.
type SiteConfig struct {
	SiteID              string   `koanf:"site_id"`
	Hostname            string   `koanf:"hostname"`
	OriginBaseURL       string   `koanf:"origin_base_url"`
	PathAllowlist       []string `koanf:"path_allowlist"`
	QueryAllowlist      []string `koanf:"query_allowlist"`
	DestinationHosts    []string `koanf:"destination_hosts"`
	DestinationSuffixes []string `koanf:"destination_suffixes"`
	AllowPrivateIPs     bool     `koanf:"allow_private_ips"`
	ChallengeEnabled    bool     `koanf:"challenge_enabled"`
	ChallengeKey        string   `koanf:"challenge_key"`
	AccessTokenHash     string   `koanf:"access_token_hash"`
}

// Policy converts the entry to a site policy.
func (s SiteConfig) Policy() site.Policy {
	return site.Policy{
		SiteID:              s.SiteID,
		Hostname:            s.Hostname,
		OriginBaseURL:       s.OriginBaseURL,
		PathAllowlist:       s.PathAllowlist,
		QueryAllowlist:      s.QueryAllowlist,
		DestinationHosts:    s.DestinationHosts,
		DestinationSuffixes: s.DestinationSuffixes,
		AllowPrivateIPs:     s.AllowPrivateIPs,
		ChallengeEnabled:    s.ChallengeEnabled,
		ChallengeKey:        s.ChallengeKey,
		AccessTokenHash:     s.AccessTokenHash,
	}
}

// Configuration validation errors.
var (
	ErrInvalidPort            = errors.New("PORT must be a valid integer between 1 and 65535")
	ErrInvalidNumber          = errors.New("value must be a valid number")
	ErrInvalidDuration        = errors.New("value must be a valid duration")
	ErrMissingSigningKey      = errors.New("SIGNING_KEY is required in production")
	ErrInvalidSigningKey      = errors.New("SIGNING_KEY is not a valid Ed25519 seed")
	ErrInvalidVerificationKey = errors.New("PREVIOUS_VERIFICATION_KEYS contains an invalid Ed25519 public key")
	ErrMissingChallengeSecret = errors.New("CHALLENGE_SECRET is required in production when sites can enable challenges")
	ErrMissingMetricsToken    = errors.New("METRICS_TOKEN is required in production")
	ErrInvalidRateLimit       = errors.New("rate limits must be positive")
	ErrInvalidTTL             = errors.New("TTLs and windows must be positive")
	ErrInvalidSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidURL             = errors.New("URL must be absolute http(s)")
	ErrInvalidSite            = errors.New("invalid site")
)

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultAudiencePrefix     = "crm"
	DefaultAttestationTTL     = 10 * time.Minute
	DefaultPermitTTL          = 10 * time.Minute
	DefaultReplayWindow       = 10 * time.Minute
	DefaultDeliveryTimeout    = 800 * time.Millisecond
	DefaultDeliveryRate       = 20.0
	DefaultPreviewRateLimit   = 60
	DefaultConfirmRateLimit   = 10
	DefaultVerifyRateLimit    = 120
	DefaultRateLimitWindow    = time.Minute
	DefaultChallengeEndpoint  = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	DefaultChallengeScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js"
	DefaultTracingExporter    = "otlp-http"
	DefaultTracingSampleRate  = 0.1
)

// IsProduction reports whether the service runs with production rules.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"CLICKGUARD_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	previewLimit, err := getEnvIntOrDefault("RATE_LIMIT_PREVIEW", k.Int("rate_limit_preview"), DefaultPreviewRateLimit)
	collect(err)
	confirmLimit, err := getEnvIntOrDefault("RATE_LIMIT_CONFIRM", k.Int("rate_limit_confirm"), DefaultConfirmRateLimit)
	collect(err)
	verifyLimit, err := getEnvIntOrDefault("RATE_LIMIT_VERIFY", k.Int("rate_limit_verify"), DefaultVerifyRateLimit)
	collect(err)

	rateWindow, err := getEnvDurationOrDefault("RATE_LIMIT_WINDOW", k, "rate_limit_window", DefaultRateLimitWindow)
	collect(err)
	attestationTTL, err := getEnvDurationOrDefault("ATTESTATION_TTL", k, "attestation_ttl", DefaultAttestationTTL)
	collect(err)
	permitTTL, err := getEnvDurationOrDefault("PERMIT_TTL", k, "permit_ttl", DefaultPermitTTL)
	collect(err)
	replayWindow, err := getEnvDurationOrDefault("REPLAY_WINDOW", k, "replay_window", DefaultReplayWindow)
	collect(err)
	deliveryTimeout, err := getEnvDurationOrDefault("DELIVERY_TIMEOUT", k, "delivery_timeout", DefaultDeliveryTimeout)
	collect(err)

	deliveryRate, err := getEnvFloatOrDefault("DELIVERY_RATE", k.Float64("delivery_rate"), DefaultDeliveryRate)
	collect(err)
	sampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		sampleRate = k.Float64("tracing_sample_rate")
	}
	if val := os.Getenv("TRACING_SAMPLE_RATE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			collect(fmt.Errorf("TRACING_SAMPLE_RATE: %w", ErrInvalidNumber))
		} else {
			sampleRate = f
		}
	}

	var sites []SiteConfig
	if k.Exists("sites") {
		if err := k.Unmarshal("sites", &sites); err != nil {
			collect(fmt.Errorf("%w: sites: %v", ErrInvalidSite, err))
		}
	}

	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{"CLICKGUARD_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		SigningKey:               getEnvOrKoanf("SIGNING_KEY", k, "signing_key"),
		PreviousVerificationKeys: getEnvListOrKoanf("PREVIOUS_VERIFICATION_KEYS", k, "previous_verification_keys"),
		AudiencePrefix:           getEnvOrDefault("AUDIENCE_PREFIX", k.String("audience_prefix"), DefaultAudiencePrefix),
		AttestationTTL:           attestationTTL,

		PermitTTL:    permitTTL,
		ReplayWindow: replayWindow,

		ChallengeSecret:    getEnvOrKoanf("CHALLENGE_SECRET", k, "challenge_secret"),
		ChallengeEndpoint:  getEnvOrDefault("CHALLENGE_ENDPOINT", k.String("challenge_endpoint"), DefaultChallengeEndpoint),
		ChallengeScriptURL: getEnvOrDefault("CHALLENGE_SCRIPT_URL", k.String("challenge_script_url"), DefaultChallengeScriptURL),

		DeliveryURL:     getEnvOrKoanf("DELIVERY_URL", k, "delivery_url"),
		DeliveryTimeout: deliveryTimeout,
		DeliveryRate:    deliveryRate,

		PreviewRateLimit: previewLimit,
		ConfirmRateLimit: confirmLimit,
		VerifyRateLimit:  verifyLimit,
		RateLimitWindow:  rateWindow,

		MetricsToken:       getEnvOrKoanf("METRICS_TOKEN", k, "metrics_token"),
		CORSAllowedOrigins: getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		TrustedProxies:     getEnvListOrKoanf("TRUSTED_PROXIES", k, "trusted_proxies"),

		TracingEnabled:    getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:   getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:      getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate: sampleRate,
		TracingInsecure:   getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure"),
		ProfilingEnabled:  getEnvBoolOrKoanf("PROFILING_ENABLED", k, "profiling_enabled"),

		Sites: sites,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma separated environment variable, falling
// back to a YAML list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvBoolOrKoanf accepts true/1/yes/on and false/0/no/off; anything
// else in the environment leaves the file value in place.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	v := k.Bool(koanfKey)
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses Go duration strings such as "10m" or
// "800ms" from the environment or the file.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
	}
	return d, nil
}

// Validate checks ranges and the production requirements.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.PreviewRateLimit <= 0 || c.ConfirmRateLimit <= 0 || c.VerifyRateLimit <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.RateLimitWindow <= 0 || c.PermitTTL <= 0 || c.ReplayWindow <= 0 ||
		c.AttestationTTL <= 0 || c.DeliveryTimeout <= 0 {
		errs = append(errs, ErrInvalidTTL)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	if c.SigningKey != "" {
		if _, err := cryptoutil.ParseEd25519Seed(c.SigningKey); err != nil {
			errs = append(errs, ErrInvalidSigningKey)
		}
	} else if c.IsProduction() {
		errs = append(errs, ErrMissingSigningKey)
	}
	for _, key := range c.PreviousVerificationKeys {
		if _, err := cryptoutil.ParseEd25519Public(key); err != nil {
			errs = append(errs, ErrInvalidVerificationKey)
			break
		}
	}

	if c.IsProduction() && c.MetricsToken == "" {
		errs = append(errs, ErrMissingMetricsToken)
	}
	if _, err := middleware.ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}

	for _, raw := range []struct{ name, value string }{
		{"DELIVERY_URL", c.DeliveryURL},
		{"CHALLENGE_ENDPOINT", c.ChallengeEndpoint},
	} {
		if raw.value == "" {
			continue
		}
		u, err := url.Parse(raw.value)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %w", raw.name, ErrInvalidURL))
		}
	}

	challengeNeeded := false
	seen := make(map[string]bool)
	for _, s := range c.Sites {
		p := s.Policy()
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidSite, s.Hostname, err))
			continue
		}
		host := site.NormalizeHostname(p.Hostname)
		if seen[host] {
			errs = append(errs, fmt.Errorf("%w %q: duplicate hostname", ErrInvalidSite, s.Hostname))
		}
		seen[host] = true
		challengeNeeded = challengeNeeded || p.ChallengeEnabled
	}
	// Database-backed sites can turn challenges on at any time.
	if c.DatabaseURL != "" {
		challengeNeeded = true
	}
	if challengeNeeded && c.ChallengeSecret == "" && c.IsProduction() {
		errs = append(errs, ErrMissingChallengeSecret)
	}

	return errs
}

// SitePolicies returns the seed for the site directory.
func (c *Config) SitePolicies() []site.Policy {
	out := make([]site.Policy, 0, len(c.Sites))
	for _, s := range c.Sites {
		out = append(out, s.Policy())
	}
	return out
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"env":                        c.Env,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"signing_key":                maskSecret(c.SigningKey),
		"previous_verification_keys": strconv.Itoa(len(c.PreviousVerificationKeys)),
		"audience_prefix":            c.AudiencePrefix,
		"attestation_ttl":            c.AttestationTTL.String(),
		"permit_ttl":                 c.PermitTTL.String(),
		"replay_window":              c.ReplayWindow.String(),
		"challenge_secret":           maskSecret(c.ChallengeSecret),
		"challenge_endpoint":         c.ChallengeEndpoint,
		"delivery_url":               c.DeliveryURL,
		"delivery_timeout":           c.DeliveryTimeout.String(),
		"rate_limit_preview":         strconv.Itoa(c.PreviewRateLimit),
		"rate_limit_confirm":         strconv.Itoa(c.ConfirmRateLimit),
		"rate_limit_verify":          strconv.Itoa(c.VerifyRateLimit),
		"rate_limit_window":          c.RateLimitWindow.String(),
		"metrics_token":              maskSecret(c.MetricsToken),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"trusted_proxies":            strings.Join(c.TrustedProxies, ","),
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"profiling_enabled":          strconv.FormatBool(c.ProfilingEnabled),
		"sites":                      strconv.Itoa(len(c.Sites)),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a postgres:// or redis:// URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// user:password@host; redis URLs may omit the user.
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
