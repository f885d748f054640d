package settings

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/alexedwards/argon2id"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
)

// Invalidator drops any cached provider access token. The provider client
// implements this; updating credentials must force a token refresh.
type Invalidator interface {
	InvalidateToken()
}

// CredentialStore is the persistence surface the handlers need; Store
// implements it.
type CredentialStore interface {
	Credentials(ctx context.Context) (grandpay.Credentials, error)
	Save(ctx context.Context, creds grandpay.Credentials) error
}

// Handler exposes the admin settings surface.
type Handler struct {
	Store      CredentialStore
	Invalidate Invalidator
	Validate   *validator.Validate
	Logger     zerolog.Logger
}

type credentialsView struct {
	TenantKey        string `json:"tenantKey"`
	ClientID         string `json:"clientId"`
	ClientSecretSet  bool   `json:"clientSecretSet"`
	WebhookSecretSet bool   `json:"webhookSecretSet"`
	TestMode         bool   `json:"testMode"`
}

type credentialsInput struct {
	TenantKey     string `json:"tenantKey" validate:"required"`
	ClientID      string `json:"clientId" validate:"required"`
	ClientSecret  string `json:"clientSecret" validate:"required"`
	WebhookSecret string `json:"webhookSecret"`
	TestMode      bool   `json:"testMode"`
}

// Get returns the current credential set with secrets masked.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "SETTINGS_UNAVAILABLE", "settings store not configured", nil)
		return
	}
	creds, err := h.Store.Credentials(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("load settings failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load settings", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": credentialsView{
		TenantKey:        creds.TenantKey,
		ClientID:         creds.ClientID,
		ClientSecretSet:  creds.ClientSecret != "",
		WebhookSecretSet: creds.WebhookSecret != "",
		TestMode:         creds.TestMode,
	}})
}

// Put replaces the credential set and invalidates the cached access token so
// the next provider call authenticates with the new credentials.
func (h Handler) Put(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "SETTINGS_UNAVAILABLE", "settings store not configured", nil)
		return
	}
	var in credentialsInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(in); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
	}
	if err := h.Store.Save(r.Context(), grandpay.Credentials{
		TenantKey:     in.TenantKey,
		ClientID:      in.ClientID,
		ClientSecret:  in.ClientSecret,
		WebhookSecret: in.WebhookSecret,
		TestMode:      in.TestMode,
	}); err != nil {
		h.Logger.Error().Err(err).Msg("save settings failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to save settings", nil)
		return
	}
	if h.Invalidate != nil {
		h.Invalidate.InvalidateToken()
	}
	h.Logger.Info().Bool("test_mode", in.TestMode).Msg("gateway credentials updated")
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"updated": true}})
}

// RequireAdminKey guards the admin routes with an argon2id-hashed API key
// supplied in the X-Admin-Key header.
func RequireAdminKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin API key not configured", nil)
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing admin key", nil)
				return
			}
			ok, err := argon2id.ComparePasswordAndHash(key, hash)
			if err != nil || !ok {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
