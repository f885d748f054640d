package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	// Correlation tokens embedded in redirect URLs.
	CorrelationSecret string
	CorrelationTTL    time.Duration

	// GrandPay provider credentials. These seed the settings store and act as
	// fallbacks until an operator saves values through the admin API.
	GrandPayBaseURL       string
	GrandPayTenantKey     string
	GrandPayClientID      string
	GrandPayClientSecret  string
	GrandPayWebhookSecret string
	GrandPayTestMode      bool
	GrandPayTimeout       time.Duration

	// Browser-facing pages the redirect callback sends shoppers to.
	PublicBaseURL   string
	CompletePageURL string
	CheckoutPageURL string
	ErrorPageURL    string

	CurrencyCode  string
	ResolveWindow time.Duration
	SessionMaxAge time.Duration

	IdempotencyTTL   time.Duration
	WebhookReplayTTL time.Duration
	CallbackRate     string

	NotifyEmailEnabled bool
	NotifyEmailFrom    string

	AdminKeyHash string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		CorrelationSecret: k.String("CORRELATION_SECRET"),
		CorrelationTTL:    parseDuration(k.String("CORRELATION_TOKEN_TTL"), "30m"),

		GrandPayBaseURL:       valueOrDefault(k.String("GRANDPAY_BASE_URL"), "https://api.payment-gateway.asia"),
		GrandPayTenantKey:     k.String("GRANDPAY_TENANT_KEY"),
		GrandPayClientID:      k.String("GRANDPAY_CLIENT_ID"),
		GrandPayClientSecret:  k.String("GRANDPAY_CLIENT_SECRET"),
		GrandPayWebhookSecret: k.String("GRANDPAY_WEBHOOK_SECRET"),
		GrandPayTestMode:      parseBool(k.String("GRANDPAY_TEST_MODE")),
		GrandPayTimeout:       parseDuration(k.String("GRANDPAY_TIMEOUT"), "30s"),

		PublicBaseURL:   strings.TrimRight(k.String("PUBLIC_BASE_URL"), "/"),
		CompletePageURL: k.String("COMPLETE_PAGE_URL"),
		CheckoutPageURL: k.String("CHECKOUT_PAGE_URL"),
		ErrorPageURL:    k.String("ERROR_PAGE_URL"),

		CurrencyCode:  valueOrDefault(k.String("CURRENCY_CODE"), "JPY"),
		ResolveWindow: parseDuration(k.String("RESOLVE_WINDOW"), "30m"),
		SessionMaxAge: parseDuration(k.String("SESSION_MAX_AGE"), "1h"),

		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		CallbackRate:     valueOrDefault(k.String("CALLBACK_RATE_LIMIT"), "120-M"),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:    k.String("NOTIFY_EMAIL_FROM"),

		AdminKeyHash: k.String("ADMIN_KEY_HASH"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.CorrelationSecret == "" {
		return nil, errors.New("CORRELATION_SECRET is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("PUBLIC_BASE_URL is required")
	}
	if cfg.CompletePageURL == "" {
		return nil, errors.New("COMPLETE_PAGE_URL is required")
	}
	if cfg.CheckoutPageURL == "" {
		return nil, errors.New("CHECKOUT_PAGE_URL is required")
	}
	if cfg.ErrorPageURL == "" {
		cfg.ErrorPageURL = cfg.CheckoutPageURL
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
