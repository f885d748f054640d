package grandpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/obs"
	"github.com/yabe-ex/grandpay-gateway/internal/resilience"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.payment-gateway.asia"

// Access tokens are discarded this long before their reported expiry so a
// token never goes stale mid-request.
const tokenExpiryMargin = 5 * time.Minute

// Credentials is the per-tenant credential set. It is read on every call so
// that operator updates take effect without a restart.
type Credentials struct {
	TenantKey     string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	TestMode      bool
}

// CredentialSource supplies current credentials. The settings store implements
// this; StaticCredentials serves tests and env-only deployments.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource with fixed values.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(ctx context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// CheckoutRequest is the input for opening a remote checkout session.
type CheckoutRequest struct {
	OrderRef   string
	Amount     int64
	Currency   string
	Name       string
	Email      string
	Phone      string
	State      string
	SuccessURL string
	FailureURL string
}

// CheckoutSession is the provider's view of a session.
type CheckoutSession struct {
	ID          string      `json:"id"`
	CheckoutURL string      `json:"checkoutUrl"`
	Status      string      `json:"status"`
	Link        SessionLink `json:"link"`
}

// Client talks to the GrandPay REST API. It caches the OAuth2 access token
// across calls; InvalidateToken drops the cache when credentials change.
type Client struct {
	BaseURL string
	Source  CredentialSource
	HTTP    *resilience.HTTPClient
	Logger  zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a client with the retrying HTTP wrapper. Pass a nil
// httpClient to use a default with a 30s timeout.
func NewClient(baseURL string, source CredentialSource, httpClient *resilience.HTTPClient, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &resilience.HTTPClient{
			Client:      &http.Client{Timeout: 30 * time.Second},
			MaxAttempts: 1,
		}
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Source:  source,
		HTTP:    httpClient,
		Logger:  logger.With().Str("component", "grandpay").Logger(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// AccessToken returns a cached token or fetches a fresh one via the OAuth2
// client-credentials grant.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	creds, err := c.Source.Credentials(ctx)
	if err != nil {
		return "", &Error{Kind: KindMisconfigured, Op: "token", Err: err}
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return "", &Error{Kind: KindMisconfigured, Op: "token", Message: "client credentials not configured"}
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindNetworkError, Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	observeProviderRequest("token", start)
	if err != nil {
		return "", &Error{Kind: KindNetworkError, Op: "token", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		c.Logger.Warn().Int("status", resp.StatusCode).Msg("token request rejected")
		return "", &Error{Kind: KindAuthFailed, Op: "token", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &Error{Kind: KindAuthFailed, Op: "token", Message: "no access token in response", Err: err}
	}

	c.token = tr.AccessToken
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

// InvalidateToken drops the cached access token. Called when credentials are
// updated through the settings endpoint.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

type checkoutPayload struct {
	Type       string        `json:"type"`
	Payer      checkoutPayer `json:"payer"`
	Link       SessionLink   `json:"link"`
	SuccessURL string        `json:"successUrl"`
	FailureURL string        `json:"failureUrl"`
	IsTestMode bool          `json:"isTestMode"`
}

type checkoutPayer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	State string `json:"state,omitempty"`
}

// SessionLink is the payment link a session is opened for. The provider
// echoes it back on session reads, which is how a session can be traced to
// its order when the local mapping is missing.
type SessionLink struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	OrderID  string `json:"orderId"`
}

// CreateCheckoutSession opens a hosted checkout session and returns its id
// and redirect URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, in CheckoutRequest) (CheckoutSession, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return CheckoutSession{}, err
	}
	creds, err := c.Source.Credentials(ctx)
	if err != nil {
		return CheckoutSession{}, &Error{Kind: KindMisconfigured, Op: "create_session", Err: err}
	}
	if creds.TenantKey == "" {
		return CheckoutSession{}, &Error{Kind: KindMisconfigured, Op: "create_session", Message: "tenant key not configured"}
	}

	payload := checkoutPayload{
		Type: "WEB_REDIRECT",
		Payer: checkoutPayer{
			Name:  in.Name,
			Email: in.Email,
			Phone: in.Phone,
			State: in.State,
		},
		Link: SessionLink{
			Amount:   in.Amount,
			Currency: in.Currency,
			OrderID:  in.OrderRef,
		},
		SuccessURL: in.SuccessURL,
		FailureURL: in.FailureURL,
		IsTestMode: creds.TestMode,
	}

	var out CheckoutSession
	if err := c.doJSON(ctx, "create_session", http.MethodPost, "/checkout-sessions", token, creds.TenantKey, payload, &out); err != nil {
		return CheckoutSession{}, err
	}
	if out.ID == "" || out.CheckoutURL == "" {
		return CheckoutSession{}, &Error{Kind: KindProviderRejected, Op: "create_session", Message: "response missing session id or checkout url"}
	}
	return out, nil
}

// GetCheckoutSession fetches the authoritative state of a session.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return CheckoutSession{}, err
	}
	creds, err := c.Source.Credentials(ctx)
	if err != nil {
		return CheckoutSession{}, &Error{Kind: KindMisconfigured, Op: "get_session", Err: err}
	}
	var out CheckoutSession
	if err := c.doJSON(ctx, "get_session", http.MethodGet, "/checkout-sessions/"+url.PathEscape(id), token, creds.TenantKey, nil, &out); err != nil {
		return CheckoutSession{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token, tenantKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindProviderRejected, Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Kind: KindNetworkError, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-tenant-key", tenantKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	observeProviderRequest(op, start)
	if err != nil {
		return &Error{Kind: KindNetworkError, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Token may have been revoked server side; force a refresh next call.
		c.InvalidateToken()
		return &Error{Kind: KindAuthFailed, Op: op, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &Error{Kind: KindNetworkError, Op: op, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		c.Logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("body", truncate(raw, 512)).Msg("request rejected")
		return &Error{Kind: KindProviderRejected, Op: op, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindProviderRejected, Op: op, Message: "malformed response body", Err: err}
		}
	}
	return nil
}

func observeProviderRequest(op string, start time.Time) {
	if obs.ProviderRequestDuration != nil {
		obs.ProviderRequestDuration.WithLabelValues(op).Observe(obs.DurationMillis(time.Since(start)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
