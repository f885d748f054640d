package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":       "postgres://localhost:5432/gateway",
		"REDIS_URL":          "redis://localhost:6379/0",
		"CORRELATION_SECRET": "test-secret-test-secret-32bytes!",
		"PUBLIC_BASE_URL":    "https://gateway.example.com/",
		"COMPLETE_PAGE_URL":  "https://shop.example.com/complete",
		"CHECKOUT_PAGE_URL":  "https://shop.example.com/checkout",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "https://api.payment-gateway.asia", cfg.GrandPayBaseURL)
	require.Equal(t, "JPY", cfg.CurrencyCode)
	require.Equal(t, 30*time.Minute, cfg.CorrelationTTL)
	require.Equal(t, 30*time.Minute, cfg.ResolveWindow)
	require.Equal(t, time.Hour, cfg.SessionMaxAge)
	require.Equal(t, 30*time.Second, cfg.GrandPayTimeout)
	require.Equal(t, "120-M", cfg.CallbackRate)

	// Trailing slash is stripped so URL concatenation is safe.
	require.Equal(t, "https://gateway.example.com", cfg.PublicBaseURL)
	// Error page falls back to the checkout page when unset.
	require.Equal(t, cfg.CheckoutPageURL, cfg.ErrorPageURL)
}

func TestLoadRequiredFields(t *testing.T) {
	for _, missing := range []string{
		"DATABASE_URL", "REDIS_URL", "CORRELATION_SECRET",
		"PUBLIC_BASE_URL", "COMPLETE_PAGE_URL", "CHECKOUT_PAGE_URL",
	} {
		env := baseEnv()
		env[missing] = ""
		_, err := LoadForTests(env)
		require.Error(t, err, "missing %s must fail", missing)
	}
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["APP_ENV"] = "production"
	env["PORT"] = "9090"
	env["CURRENCY_CODE"] = "USD"
	env["GRANDPAY_TEST_MODE"] = "true"
	env["CORRELATION_TOKEN_TTL"] = "15m"
	env["SESSION_MAX_AGE"] = "2h"
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example.com, https://b.example.com"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, "USD", cfg.CurrencyCode)
	require.True(t, cfg.GrandPayTestMode)
	require.Equal(t, 15*time.Minute, cfg.CorrelationTTL)
	require.Equal(t, 2*time.Hour, cfg.SessionMaxAge)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}
