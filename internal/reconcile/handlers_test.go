package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

type staticSecret string

func (s staticSecret) WebhookSecret(_ context.Context) (string, error) {
	return string(s), nil
}

const testWebhookSecret = "whsec_test"

func newRedirectHandler(f *engineFixture) RedirectHandler {
	return RedirectHandler{
		Engine:      f.engine,
		CompleteURL: "https://shop.example.com/complete",
		CheckoutURL: "https://shop.example.com/checkout",
		ErrorURL:    "https://shop.example.com/error",
		Logger:      zerolog.Nop(),
	}
}

func redirectRequest(result, ref, token string) *http.Request {
	q := url.Values{"grandpay_result": {result}, "order_id": {ref}, "token": {token}}
	return httptest.NewRequest(http.MethodGet, "/payments/grandpay/callback?"+q.Encode(), nil)
}

func TestRedirectHandlerCompleted(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newRedirectHandler(f)

	rec := httptest.NewRecorder()
	h.Handle(rec, redirectRequest("success", "ord-1", f.token(t, "ord-1")))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "https://shop.example.com/complete", loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, "ord-1", loc.Query().Get("order_id"))
}

func TestRedirectHandlerFailure(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newRedirectHandler(f)

	rec := httptest.NewRecorder()
	h.Handle(rec, redirectRequest("failure", "ord-1", f.token(t, "ord-1")))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/checkout", loc.Path)
	require.Equal(t, "payment_failed", loc.Query().Get("error"))
}

func TestRedirectHandlerForgedToken(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newRedirectHandler(f)

	rec := httptest.NewRecorder()
	h.Handle(rec, redirectRequest("success", "ord-1", "forged"))

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRedirectHandlerMissingParams(t *testing.T) {
	f := newEngineFixture()
	h := newRedirectHandler(f)

	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/payments/grandpay/callback", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedirectHandlerPollFailure(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	f.poller.err = fmt.Errorf("provider timeout")
	h := newRedirectHandler(f)

	rec := httptest.NewRecorder()
	h.Handle(rec, redirectRequest("success", "ord-1", f.token(t, "ord-1")))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/checkout", loc.Path)
	require.Equal(t, "payment_verification_failed", loc.Query().Get("error"))
}

func newWebhookHandler(t *testing.T, f *engineFixture) WebhookHandler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return WebhookHandler{
		Engine:    f.engine,
		Secrets:   staticSecret(testWebhookSecret),
		Replay:    client,
		ReplayTTL: time.Minute,
		Logger:    zerolog.Nop(),
	}
}

func webhookBody(t *testing.T, sid, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": WebhookEventType,
		"data": map[string]any{"object": map[string]any{"id": sid, "status": status}},
	})
	require.NoError(t, err)
	return body
}

func webhookRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/grandpay", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(SignatureHeader, grandpay.SignPayload(body, secret))
	}
	return req
}

func TestWebhookHandlerProcessesPayment(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newWebhookHandler(t, f)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(webhookBody(t, "cs_1", "COMPLETED"), testWebhookSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	current, err := f.store.GetByRef(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, current.Status)
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newWebhookHandler(t, f)

	body := webhookBody(t, "cs_1", "COMPLETED")

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, "wrong-secret"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	current, err := f.store.GetByRef(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingResult, current.Status)
}

func TestWebhookHandlerRejectsMalformedPayload(t *testing.T) {
	f := newEngineFixture()
	h := newWebhookHandler(t, f)

	body := []byte(`{"type":"PAYMENT_CHECKOUT","data":`)
	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, testWebhookSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Signed but missing the session id.
	body = []byte(`{"type":"PAYMENT_CHECKOUT","data":{"object":{}}}`)
	rec = httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, testWebhookSecret))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookHandlerIgnoresOtherEventTypes(t *testing.T) {
	f := newEngineFixture()
	h := newWebhookHandler(t, f)

	body := []byte(`{"type":"PAYOUT_SETTLED","data":{"object":{"id":"po_1"}}}`)
	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, testWebhookSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ignored":true`)
}

func TestWebhookHandlerReplayGuard(t *testing.T) {
	f := newEngineFixture()
	f.seedAwaiting("ord-1")
	h := newWebhookHandler(t, f)

	body := webhookBody(t, "cs_1", "COMPLETED")

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate":true`)
}

func TestWebhookHandlerUnknownSessionStillAcknowledged(t *testing.T) {
	f := newEngineFixture()
	h := newWebhookHandler(t, f)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(webhookBody(t, "cs_missing", "COMPLETED"), testWebhookSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"resolved":false`)
}
