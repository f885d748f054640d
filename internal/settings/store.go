package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
)

// Setting keys for the GrandPay credential set.
const (
	KeyTenantKey     = "grandpay.tenant_key"
	KeyClientID      = "grandpay.client_id"
	KeyClientSecret  = "grandpay.client_secret"
	KeyWebhookSecret = "grandpay.webhook_secret"
	KeyTestMode      = "grandpay.test_mode"
)

// Store reads and writes gateway settings from the settings table. Values
// configured through the admin API override the environment defaults.
type Store struct {
	Pool     *pgxpool.Pool
	Defaults grandpay.Credentials
}

// Credentials implements grandpay.CredentialSource. It merges stored values
// over the environment defaults so a fresh deployment works from env alone.
func (s *Store) Credentials(ctx context.Context) (grandpay.Credentials, error) {
	creds := s.Defaults
	if s.Pool == nil {
		return creds, nil
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT key, value FROM settings
		WHERE key = ANY($1)`,
		[]string{KeyTenantKey, KeyClientID, KeyClientSecret, KeyWebhookSecret, KeyTestMode},
	)
	if err != nil {
		return grandpay.Credentials{}, fmt.Errorf("settings: load credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return grandpay.Credentials{}, fmt.Errorf("settings: scan setting: %w", err)
		}
		switch key {
		case KeyTenantKey:
			creds.TenantKey = value
		case KeyClientID:
			creds.ClientID = value
		case KeyClientSecret:
			creds.ClientSecret = value
		case KeyWebhookSecret:
			creds.WebhookSecret = value
		case KeyTestMode:
			if b, err := strconv.ParseBool(value); err == nil {
				creds.TestMode = b
			}
		}
	}
	return creds, rows.Err()
}

// WebhookSecret returns just the webhook signing secret.
func (s *Store) WebhookSecret(ctx context.Context) (string, error) {
	creds, err := s.Credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.WebhookSecret, nil
}

// Save upserts the full credential set in one transaction.
func (s *Store) Save(ctx context.Context, creds grandpay.Credentials) error {
	if s.Pool == nil {
		return fmt.Errorf("settings: store not configured")
	}
	pairs := map[string]string{
		KeyTenantKey:     creds.TenantKey,
		KeyClientID:      creds.ClientID,
		KeyClientSecret:  creds.ClientSecret,
		KeyWebhookSecret: creds.WebhookSecret,
		KeyTestMode:      strconv.FormatBool(creds.TestMode),
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		for key, value := range pairs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO settings (key, value) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				key, value,
			); err != nil {
				return fmt.Errorf("settings: save %s: %w", key, err)
			}
		}
		return nil
	})
}
