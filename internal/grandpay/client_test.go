package grandpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	tokenCalls   int
	createCalls  int
	tokenStatus  int
	createStatus int
	tokenTTL     int64
	session      CheckoutSession
	lastPayload  map[string]any
	lastTenant   string
	lastAuth     string
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls++
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		ttl := f.tokenTTL
		if ttl == 0 {
			ttl = 3600
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": ttl})
	})
	mux.HandleFunc("/checkout-sessions", func(w http.ResponseWriter, r *http.Request) {
		f.createCalls++
		f.lastTenant = r.Header.Get("x-tenant-key")
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.lastPayload)
		if f.createStatus != 0 && f.createStatus != http.StatusOK {
			w.WriteHeader(f.createStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(f.session)
	})
	mux.HandleFunc("/checkout-sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(f.session)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider) (*Client, *httptest.Server) {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, StaticCredentials{
		TenantKey:    "tenant-key",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}, nil, zerolog.Nop())
	return client, srv
}

func TestAccessTokenIsCached(t *testing.T) {
	f := &fakeProvider{session: CheckoutSession{ID: "cs_1", CheckoutURL: "https://pay.example.com/cs_1"}}
	client, _ := newTestClient(t, f)
	ctx := context.Background()

	tok, err := client.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	_, err = client.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.tokenCalls, "second call must hit the cache")

	client.InvalidateToken()
	_, err = client.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.tokenCalls, "invalidation must force a refresh")
}

func TestAccessTokenRefreshedInsideExpiryMargin(t *testing.T) {
	// A token whose lifetime is shorter than the safety margin is already
	// inside it, so the cache must never serve it a second time.
	f := &fakeProvider{tokenTTL: 120}
	client, _ := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.AccessToken(ctx)
	require.NoError(t, err)
	_, err = client.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.tokenCalls, "near-expiry token must be refetched")
}

func TestAccessTokenAuthFailure(t *testing.T) {
	f := &fakeProvider{tokenStatus: http.StatusUnauthorized}
	client, _ := newTestClient(t, f)

	_, err := client.AccessToken(context.Background())
	require.Error(t, err)
	require.True(t, IsKind(err, KindAuthFailed))
}

func TestAccessTokenRequiresCredentials(t *testing.T) {
	client := NewClient("https://api.example.com", StaticCredentials{}, nil, zerolog.Nop())

	_, err := client.AccessToken(context.Background())
	require.True(t, IsKind(err, KindMisconfigured))
}

func TestCreateCheckoutSession(t *testing.T) {
	f := &fakeProvider{session: CheckoutSession{ID: "cs_1", CheckoutURL: "https://pay.example.com/cs_1"}}
	client, _ := newTestClient(t, f)

	out, err := client.CreateCheckoutSession(context.Background(), CheckoutRequest{
		OrderRef:   "ord-1",
		Amount:     4980,
		Currency:   "JPY",
		Name:       "Taro Yamada",
		Email:      "taro@example.com",
		SuccessURL: "https://shop.example.com/cb?grandpay_result=success",
		FailureURL: "https://shop.example.com/cb?grandpay_result=failure",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", out.ID)
	require.Equal(t, "https://pay.example.com/cs_1", out.CheckoutURL)

	require.Equal(t, "tenant-key", f.lastTenant)
	require.Equal(t, "Bearer tok-1", f.lastAuth)
	require.Equal(t, "WEB_REDIRECT", f.lastPayload["type"])
	link, ok := f.lastPayload["link"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ord-1", link["orderId"])
	require.Equal(t, float64(4980), link["amount"])
	require.Equal(t, "JPY", link["currency"])
}

func TestCreateCheckoutSessionRejected(t *testing.T) {
	f := &fakeProvider{createStatus: http.StatusUnprocessableEntity}
	client, _ := newTestClient(t, f)

	_, err := client.CreateCheckoutSession(context.Background(), CheckoutRequest{OrderRef: "ord-1", Amount: 100})
	require.True(t, IsKind(err, KindProviderRejected))
}

func TestCreateCheckoutSessionMissingURL(t *testing.T) {
	f := &fakeProvider{session: CheckoutSession{ID: "cs_1"}}
	client, _ := newTestClient(t, f)

	_, err := client.CreateCheckoutSession(context.Background(), CheckoutRequest{OrderRef: "ord-1", Amount: 100})
	require.True(t, IsKind(err, KindProviderRejected))
}

func TestGetCheckoutSession(t *testing.T) {
	f := &fakeProvider{session: CheckoutSession{ID: "cs_1", Status: "COMPLETED"}}
	client, _ := newTestClient(t, f)

	out, err := client.GetCheckoutSession(context.Background(), "cs_1")
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", out.Status)
	require.Equal(t, "Bearer tok-1", f.lastAuth)
}
