package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/obs"
)

// PlaceholderEmail is substituted when an order carries no usable customer
// address; the provider requires a payer email on every session.
const PlaceholderEmail = "customer@example.com"

// CallbackPath is the public redirect endpoint the provider sends shoppers
// back to.
const CallbackPath = "/payments/grandpay/callback"

// ProviderAPI is the slice of the provider client the creator needs.
type ProviderAPI interface {
	CreateCheckoutSession(ctx context.Context, in grandpay.CheckoutRequest) (grandpay.CheckoutSession, error)
}

// OrderData is the order snapshot a session is created from.
type OrderData struct {
	OrderRef string
	Amount   int64
	Currency string
	Customer Contact
}

// Created holds everything minted for a new remote session.
type Created struct {
	ProviderSessionID string
	CheckoutURL       string
	SuccessURL        string
	FailureURL        string
	Token             string
}

// Creator opens remote checkout sessions. It mints the correlation token,
// builds the success/failure callback URLs around it and calls the provider.
type Creator struct {
	API           ProviderAPI
	Tokens        *Signer
	PublicBaseURL string
	Logger        zerolog.Logger
}

// CreateSession opens a session for the given order. The amount must be
// positive; zero-amount orders have nothing to collect and are rejected
// before any remote call.
func (c *Creator) CreateSession(ctx context.Context, od OrderData) (Created, error) {
	ctx, span := otel.Tracer("session").Start(ctx, "session.Create")
	defer span.End()

	if od.Amount <= 0 {
		countSessionCreate("rejected")
		return Created{}, fmt.Errorf("create session for %s: amount must be positive, got %d", od.OrderRef, od.Amount)
	}
	if od.OrderRef == "" {
		return Created{}, fmt.Errorf("create session: order reference is required")
	}

	email := strings.TrimSpace(od.Customer.Email)
	if email == "" {
		email = PlaceholderEmail
	}

	token, err := c.Tokens.Sign(Claims{
		OrderRef: od.OrderRef,
		Email:    email,
		Amount:   od.Amount,
		Currency: od.Currency,
	})
	if err != nil {
		countSessionCreate("error")
		return Created{}, err
	}

	successURL := c.callbackURL("success", od.OrderRef, token)
	failureURL := c.callbackURL("failure", od.OrderRef, token)

	start := time.Now()
	remote, err := c.API.CreateCheckoutSession(ctx, grandpay.CheckoutRequest{
		OrderRef:   od.OrderRef,
		Amount:     od.Amount,
		Currency:   od.Currency,
		Name:       od.Customer.Name,
		Email:      email,
		Phone:      od.Customer.Phone,
		State:      od.Customer.State,
		SuccessURL: successURL,
		FailureURL: failureURL,
	})
	if err != nil {
		countSessionCreate("error")
		c.Logger.Error().Err(err).Str("order_ref", od.OrderRef).Msg("checkout session creation failed")
		return Created{}, err
	}

	countSessionCreate("success")
	c.Logger.Info().
		Str("order_ref", od.OrderRef).
		Str("session_id", remote.ID).
		Dur("elapsed", time.Since(start)).
		Msg("checkout session created")

	return Created{
		ProviderSessionID: remote.ID,
		CheckoutURL:       remote.CheckoutURL,
		SuccessURL:        successURL,
		FailureURL:        failureURL,
		Token:             token,
	}, nil
}

func (c *Creator) callbackURL(result, orderRef, token string) string {
	q := url.Values{
		"grandpay_result": {result},
		"order_id":        {orderRef},
		"token":           {token},
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + CallbackPath + "?" + q.Encode()
}

func countSessionCreate(result string) {
	if obs.SessionCreateTotal != nil {
		obs.SessionCreateTotal.WithLabelValues(result).Inc()
	}
}
