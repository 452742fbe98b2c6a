package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/reconcile"
	"github.com/example/ledgersync/internal/security"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	DatabaseURL string

	APIAddr            string
	GRPCAddr           string
	MaxBodyBytes       int64
	IPAllowlist        []string
	WebhookIPAllowlist []string
	TLS                security.TLSConfig

	RedisAddr             string
	RateLimitCapacity     int
	RateLimitRefillPerSec float64

	ProviderBaseURL   string
	ProviderAPIToken  string
	ProviderProfileID string
	ProviderTimeout   time.Duration

	WebhookPublicKeyPath          string
	WebhookAllowTestNotifications bool
	WebhookRecentEvents           int

	Confidence          confidence.Policy
	ClassifierRulesPath string

	SyncInterval        time.Duration
	SyncIncrementalDays int
	SyncFullSince       time.Time
	SyncWindowDays      int
	SyncConcurrency     int

	BalanceRefreshInterval time.Duration
	ReplayInterval         time.Duration
	ReplayAfter            time.Duration

	WorkerCount      int
	WorkerQueueSize  int
	WorkerMaxRetries int
	SQSQueueURL      string

	ExchangeRatesStatic string
}

// Production reports whether strict checks apply.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// SQLitePath returns the database path of a sqlite:// URL.
func (c *Config) SQLitePath() (string, bool) {
	return strings.CutPrefix(c.DatabaseURL, "sqlite://")
}

// StaticRates parses EXCHANGE_RATES_STATIC.
func (c *Config) StaticRates() (reconcile.StaticRates, error) {
	return reconcile.ParseStaticRates(c.ExchangeRatesStatic)
}

// Load reads configuration from environment variables and validates it.
// Every malformed or missing key is reported in one error.
func Load() (*Config, error) {
	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv parses configuration through getenv without validating it.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := &envReader{get: getenv}
	cfg := &Config{
		Environment: e.str("APP_ENV", "development"),
		DatabaseURL: e.str("DATABASE_URL", ""),

		APIAddr:            e.str("API_ADDR", ":8080"),
		GRPCAddr:           e.str("GRPC_ADDR", ":9090"),
		MaxBodyBytes:       int64(e.integer("API_MAX_BODY_BYTES", 1<<20)),
		IPAllowlist:        e.list("API_IP_ALLOWLIST"),
		WebhookIPAllowlist: e.list("WEBHOOK_IP_ALLOWLIST"),
		TLS: security.TLSConfig{
			CertFile: e.str("API_TLS_CERT", ""),
			KeyFile:  e.str("API_TLS_KEY", ""),
			CAFile:   e.str("API_TLS_CA", ""),
		},

		RedisAddr:             e.str("REDIS_ADDR", ""),
		RateLimitCapacity:     e.integer("API_RATE_LIMIT_CAPACITY", 60),
		RateLimitRefillPerSec: e.number("API_RATE_LIMIT_REFILL_PER_SEC", 1),

		ProviderBaseURL:   e.str("PROVIDER_BASE_URL", "https://api.sandbox.transferwise.tech"),
		ProviderAPIToken:  e.str("PROVIDER_API_TOKEN", ""),
		ProviderProfileID: e.str("PROVIDER_PROFILE_ID", ""),
		ProviderTimeout:   e.duration("PROVIDER_TIMEOUT", 30*time.Second),

		WebhookPublicKeyPath:          e.str("WEBHOOK_PUBLIC_KEY_PATH", ""),
		WebhookAllowTestNotifications: e.flag("WEBHOOK_ALLOW_TEST_NOTIFICATIONS", false),
		WebhookRecentEvents:           e.integer("WEBHOOK_RECENT_EVENTS", 100),

		Confidence: confidence.Policy{
			ReviewThreshold:      e.integer("CONFIDENCE_REVIEW_THRESHOLD", 40),
			AutoApproveThreshold: e.integer("CONFIDENCE_AUTO_APPROVE_THRESHOLD", 80),
			AutoApprove:          e.flag("AUTO_APPROVE_ENABLED", false),
		},
		ClassifierRulesPath: e.str("CLASSIFIER_RULES_PATH", ""),

		SyncInterval:        e.duration("SYNC_INTERVAL", 15*time.Minute),
		SyncIncrementalDays: e.integer("SYNC_INCREMENTAL_DAYS", 7),
		SyncFullSince:       e.date("SYNC_FULL_SINCE", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
		SyncWindowDays:      e.integer("SYNC_WINDOW_DAYS", 90),
		SyncConcurrency:     e.integer("SYNC_CONCURRENCY", 2),

		BalanceRefreshInterval: e.duration("BALANCE_REFRESH_INTERVAL", time.Hour),
		ReplayInterval:         e.duration("REPLAY_INTERVAL", time.Minute),
		ReplayAfter:            e.duration("REPLAY_AFTER", 5*time.Minute),

		WorkerCount:      e.integer("WORKER_COUNT", 4),
		WorkerQueueSize:  e.integer("WORKER_QUEUE_SIZE", 256),
		WorkerMaxRetries: e.integer("WORKER_MAX_RETRIES", 3),
		SQSQueueURL:      e.str("DISPATCH_SQS_QUEUE_URL", ""),

		ExchangeRatesStatic: e.str("EXCHANGE_RATES_STATIC", ""),
	}
	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var problems []error
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Production() {
		if c.ProviderAPIToken == "" {
			missing = append(missing, "PROVIDER_API_TOKEN")
		}
		if c.WebhookPublicKeyPath == "" {
			missing = append(missing, "WEBHOOK_PUBLIC_KEY_PATH")
		}
		if c.WebhookAllowTestNotifications {
			problems = append(problems, fmt.Errorf("WEBHOOK_ALLOW_TEST_NOTIFICATIONS must be false in %s", c.Environment))
		}
	}
	if len(missing) > 0 {
		problems = append(problems, errors.New("missing required environment variables: "+strings.Join(missing, ", ")))
	}

	if err := c.Confidence.Validate(); err != nil {
		problems = append(problems, err)
	}
	if _, err := c.StaticRates(); err != nil {
		problems = append(problems, fmt.Errorf("EXCHANGE_RATES_STATIC: %w", err))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, errors.New("API_TLS_CERT and API_TLS_KEY must be set together"))
	} else if c.TLS.Enabled() {
		if err := security.VerifyTLSFiles(c.TLS); err != nil {
			problems = append(problems, err)
		}
	}

	for key, v := range map[string]int{
		"SYNC_INCREMENTAL_DAYS": c.SyncIncrementalDays,
		"SYNC_WINDOW_DAYS":      c.SyncWindowDays,
		"SYNC_CONCURRENCY":      c.SyncConcurrency,
		"WORKER_COUNT":          c.WorkerCount,
		"WORKER_QUEUE_SIZE":     c.WorkerQueueSize,
		"WEBHOOK_RECENT_EVENTS": c.WebhookRecentEvents,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	if c.RedisAddr != "" && (c.RateLimitCapacity <= 0 || c.RateLimitRefillPerSec <= 0) {
		problems = append(problems, errors.New("rate limit capacity and refill rate must be positive"))
	}

	return errors.Join(problems...)
}

// envReader collects parse failures so all of them are reported at once.
type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) raw(key string) (string, bool) {
	v := strings.TrimSpace(e.get(key))
	return v, v != ""
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *envReader) list(key string) []string {
	v, ok := e.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return i
}

func (e *envReader) number(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *envReader) flag(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *envReader) date(key string, def time.Time) time.Time {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid date %q, want YYYY-MM-DD", key, v))
		return def
	}
	return t
}
