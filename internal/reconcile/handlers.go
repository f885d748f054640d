package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/obs"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

// WebhookEventType is the only event type the gateway processes.
const WebhookEventType = "PAYMENT_CHECKOUT"

// SignatureHeader carries the HMAC-SHA256 hex digest of the webhook body.
const SignatureHeader = "X-Grandpay-Signature"

const maxWebhookBody = 1 << 20

// RedirectHandler serves the browser-facing callback endpoint the provider
// redirects shoppers to. Every exit is a 302 to one of the shop pages except
// a forged token, which gets a hard 403.
type RedirectHandler struct {
	Engine      *Engine
	CompleteURL string
	CheckoutURL string
	ErrorURL    string
	Logger      zerolog.Logger
}

func (h RedirectHandler) Handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ev := RedirectEvent{
		Result:   q.Get("grandpay_result"),
		OrderRef: q.Get("order_id"),
		Token:    q.Get("token"),
	}
	if ev.Result == "" || ev.OrderRef == "" || ev.Token == "" {
		common.JSONError(w, http.StatusBadRequest, "MISSING_PARAMS", "missing callback parameters", nil)
		return
	}

	out, err := h.Engine.OnRedirect(r.Context(), ev)
	switch {
	case errors.Is(err, ErrCorrelationInvalid):
		common.JSONError(w, http.StatusForbidden, "CORRELATION_INVALID", "invalid or expired correlation token", nil)
		return
	case errors.Is(err, ErrOrderNotResolvable):
		h.redirect(w, r, h.errorURL(), map[string]string{"error": "order_not_found"})
		return
	case err != nil:
		// Poll failure; the cart is intact, send the shopper back to retry.
		h.redirect(w, r, h.CheckoutURL, map[string]string{"error": "payment_verification_failed"})
		return
	}

	switch out.Status {
	case session.StatusCompleted:
		h.redirect(w, r, h.CompleteURL, map[string]string{"order_id": out.OrderRef})
	case session.StatusAwaitingResult:
		h.redirect(w, r, h.CompleteURL, map[string]string{"order_id": out.OrderRef, "status": "pending"})
	default:
		h.redirect(w, r, h.CheckoutURL, map[string]string{"error": "payment_failed"})
	}
}

func (h RedirectHandler) errorURL() string {
	if h.ErrorURL != "" {
		return h.ErrorURL
	}
	return h.CheckoutURL
}

func (h RedirectHandler) redirect(w http.ResponseWriter, r *http.Request, base string, params map[string]string) {
	u, err := url.Parse(base)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "redirect target misconfigured", nil)
		return
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// SecretSource supplies the current webhook signing secret.
type SecretSource interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// WebhookHandler serves the provider's server-to-server notifications.
// Signature verification happens on the raw body before any parsing, and a
// redis replay guard short-circuits byte-identical retries.
type WebhookHandler struct {
	Engine    *Engine
	Secrets   SecretSource
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

type webhookPayload struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

func (h WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "unable to read request body", nil)
		return
	}

	secret, err := h.Secrets.WebhookSecret(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("webhook secret lookup failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook verification unavailable", nil)
		return
	}
	if !grandpay.VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
		countWebhookRejected("signature")
		h.Logger.Warn().Msg("webhook signature verification failed")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		countWebhookRejected("malformed")
		common.JSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "malformed webhook payload", nil)
		return
	}
	if !strings.EqualFold(payload.Type, WebhookEventType) {
		common.JSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}
	if payload.Data.Object.ID == "" {
		countWebhookRejected("malformed")
		common.JSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "missing session id", nil)
		return
	}

	if h.Replay != nil {
		key := "wh:grandpay:" + common.Sha256Hex(body)
		set, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err == nil && !set {
			common.JSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		}
	}

	out, err := h.Engine.OnWebhook(r.Context(), WebhookEvent{
		SessionID: payload.Data.Object.ID,
		Status:    payload.Data.Object.Status,
	})
	switch {
	case errors.Is(err, ErrOrderNotResolvable):
		// Retrying will not conjure the order; acknowledge and leave the
		// logged signal for manual reconciliation.
		common.JSON(w, http.StatusOK, map[string]any{"received": true, "resolved": false})
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("session_id", payload.Data.Object.ID).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook processing failed", nil)
		return
	}

	common.JSON(w, http.StatusOK, map[string]any{"received": true, "status": out.Status})
}

func countWebhookRejected(reason string) {
	if obs.WebhookRejectedTotal != nil {
		obs.WebhookRejectedTotal.WithLabelValues(reason).Inc()
	}
}
