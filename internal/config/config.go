// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Storage settings. DatabaseURL may be a Postgres URL or sqlite://<path>.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY. Empty disables the bus bridge.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	DevTokens         bool // Expose POST /auth/token for local development.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
	SampleRatio  float64 // Fraction of root traces kept.

	// Crew topology. Empty uses the built-in default and disables hot reload.
	TopologyFile string

	// Scheduler settings.
	TickInterval   time.Duration
	FairnessCap    time.Duration
	StallWindow    time.Duration
	RetryBudget    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Retention      time.Duration

	// Domain health settings.
	DomainHealthInterval time.Duration
	RotationThreshold    float64
	ComplaintCeiling     float64
	MinSampleSize        int
	WarmupDuration       time.Duration
	MailHost             string

	// Analytics settings.
	AnalyticsInterval time.Duration
	AnalyticsHistory  int

	// Operational settings.
	LogLevel             string
	EventBufferSize      int
	EventFlushInterval   time.Duration
	BridgeBacklogWarn    int
	MaxRequestBodyBytes  int64
	IdempotencyTTL       time.Duration
	RateLimitRPS         float64
	RateLimitBurst       int
	CrewRateLimitRPS     float64 // Shared budget for agent tokens of one crew.
	CrewRateLimitBurst   int
	WebSocketOriginHosts []string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed value is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                 num("REX_PORT", 8080),
		ReadTimeout:          dur("REX_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         dur("REX_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:      dur("REX_SHUTDOWN_TIMEOUT", 10*time.Second),
		DatabaseURL:          str("DATABASE_URL", "sqlite://rex.db"),
		NotifyURL:            str("NOTIFY_URL", ""),
		JWTPrivateKeyPath:    str("REX_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     str("REX_JWT_PUBLIC_KEY", ""),
		JWTExpiration:        dur("REX_JWT_EXPIRATION", 24*time.Hour),
		DevTokens:            flag("REX_DEV_TOKENS", false),
		OTELEndpoint:         str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         flag("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          str("OTEL_SERVICE_NAME", "rex"),
		SampleRatio:          flt("OTEL_TRACES_SAMPLER_ARG", 1),
		TopologyFile:         str("REX_TOPOLOGY_FILE", ""),
		TickInterval:         dur("REX_TICK_INTERVAL", time.Second),
		FairnessCap:          dur("REX_QUEUE_FAIRNESS_CAP", 10*time.Minute),
		StallWindow:          dur("REX_STALL_WINDOW", 15*time.Minute),
		RetryBudget:          num("REX_RETRY_BUDGET", 3),
		RetryBaseDelay:       dur("REX_RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:        dur("REX_RETRY_MAX_DELAY", 5*time.Minute),
		Retention:            dur("REX_MISSION_RETENTION", 24*time.Hour),
		DomainHealthInterval: dur("REX_DOMAIN_HEALTH_INTERVAL", time.Minute),
		RotationThreshold:    flt("REX_ROTATION_THRESHOLD", 0.5),
		ComplaintCeiling:     flt("REX_COMPLAINT_CEILING", 0.003),
		MinSampleSize:        num("REX_MIN_SAMPLE_SIZE", 50),
		WarmupDuration:       dur("REX_WARMUP_DURATION", 14*24*time.Hour),
		MailHost:             str("REX_MAIL_HOST", "mail.rex.internal"),
		AnalyticsInterval:    dur("REX_ANALYTICS_INTERVAL", time.Hour),
		AnalyticsHistory:     num("REX_ANALYTICS_HISTORY", 24),
		LogLevel:             str("REX_LOG_LEVEL", "info"),
		EventBufferSize:      num("REX_EVENT_BUFFER_SIZE", 1000),
		EventFlushInterval:   dur("REX_EVENT_FLUSH_INTERVAL", 100*time.Millisecond),
		BridgeBacklogWarn:    num("REX_BRIDGE_BACKLOG_WARN", 1024),
		MaxRequestBodyBytes:  int64(num("REX_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		IdempotencyTTL:       dur("REX_IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitRPS:         flt("REX_RATE_LIMIT_RPS", 20),
		RateLimitBurst:       num("REX_RATE_LIMIT_BURST", 40),
		CrewRateLimitRPS:     flt("REX_CREW_RATE_LIMIT_RPS", 100),
		CrewRateLimitBurst:   num("REX_CREW_RATE_LIMIT_BURST", 200),
		WebSocketOriginHosts: envList("REX_WS_ORIGINS"),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("REX_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.RetryBudget < 1 {
		errs = append(errs, errors.New("REX_RETRY_BUDGET must be at least 1"))
	}
	if c.RotationThreshold < 0 || c.RotationThreshold > 1 {
		errs = append(errs, errors.New("REX_ROTATION_THRESHOLD must be within [0, 1]"))
	}
	if c.ComplaintCeiling < 0 || c.ComplaintCeiling > 1 {
		errs = append(errs, errors.New("REX_COMPLAINT_CEILING must be within [0, 1]"))
	}
	if c.TickInterval <= 0 || c.DomainHealthInterval <= 0 || c.AnalyticsInterval <= 0 {
		errs = append(errs, errors.New("loop intervals must be positive"))
	}
	if c.WarmupDuration <= 0 {
		errs = append(errs, errors.New("REX_WARMUP_DURATION must be positive"))
	}
	if c.AnalyticsHistory <= 0 {
		errs = append(errs, errors.New("REX_ANALYTICS_HISTORY must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("REX_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.EventBufferSize <= 0 {
		errs = append(errs, errors.New("REX_EVENT_BUFFER_SIZE must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("REX_JWT_PRIVATE_KEY and REX_JWT_PUBLIC_KEY must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
