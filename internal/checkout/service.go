package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/events"
	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

// Store is the persistence surface checkout needs.
type Store interface {
	CreateOrder(ctx context.Context, s session.CheckoutSession) (session.CheckoutSession, error)
	GetByRef(ctx context.Context, ref string) (session.CheckoutSession, error)
	AttachProviderSession(ctx context.Context, ref, sid, checkoutURL, successURL, failureURL string) error
	Transition(ctx context.Context, ref string, from []session.Status, to session.Status) (bool, error)
}

// CustomerInput is the shopper contact supplied with a checkout.
type CustomerInput struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone"`
	State string `json:"state"`
}

// Input is the checkout request body.
type Input struct {
	Amount   int64         `json:"amount" validate:"required,gt=0"`
	Currency string        `json:"currency" validate:"omitempty,len=3,alpha"`
	Customer CustomerInput `json:"customer" validate:"required"`
}

// Output is returned to the storefront; CheckoutURL is where the shopper is
// sent to pay.
type Output struct {
	OrderRef    string `json:"orderRef"`
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
	Status      string `json:"status"`
}

// Service creates the durable order first and only then opens the remote
// session, so every provider signal has a row to land on.
type Service struct {
	Store    Store
	Creator  *session.Creator
	Events   *events.Bus
	Validate *validator.Validate
	Currency string
	Logger   zerolog.Logger
}

// Create runs the full checkout flow for one order.
func (s *Service) Create(ctx context.Context, in Input) (Output, error) {
	if s.Validate != nil {
		if err := s.Validate.Struct(in); err != nil {
			return Output{}, common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
		}
	}
	currency := in.Currency
	if currency == "" {
		currency = s.Currency
	}

	order, err := s.Store.CreateOrder(ctx, session.CheckoutSession{
		OrderRef: uuid.NewString(),
		Amount:   in.Amount,
		Currency: currency,
		Customer: session.Contact{
			Name:  in.Customer.Name,
			Email: in.Customer.Email,
			Phone: in.Customer.Phone,
			State: in.Customer.State,
		},
		Status: session.StatusCreated,
	})
	if err != nil {
		return Output{}, fmt.Errorf("checkout: create order: %w", err)
	}
	s.emitCreated(ctx, order)

	created, err := s.Creator.CreateSession(ctx, session.OrderData{
		OrderRef: order.OrderRef,
		Amount:   order.Amount,
		Currency: order.Currency,
		Customer: order.Customer,
	})
	if err != nil {
		// The order row stays in CREATED as an audit record; the shopper's
		// cart is untouched and checkout can be retried.
		return Output{}, mapProviderError(err)
	}

	if err := s.Store.AttachProviderSession(ctx, order.OrderRef,
		created.ProviderSessionID, created.CheckoutURL, created.SuccessURL, created.FailureURL); err != nil {
		return Output{}, fmt.Errorf("checkout: attach session: %w", err)
	}
	if _, err := s.Store.Transition(ctx, order.OrderRef,
		[]session.Status{session.StatusCreated}, session.StatusAwaitingResult); err != nil {
		return Output{}, fmt.Errorf("checkout: mark awaiting: %w", err)
	}

	return Output{
		OrderRef:    order.OrderRef,
		SessionID:   created.ProviderSessionID,
		CheckoutURL: created.CheckoutURL,
		Status:      string(session.StatusAwaitingResult),
	}, nil
}

func (s *Service) emitCreated(ctx context.Context, order session.CheckoutSession) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, events.TopicOrderCreated, order.OrderRef, map[string]any{
		"orderRef": order.OrderRef,
		"amount":   order.Amount,
		"currency": order.Currency,
		"email":    order.Customer.Email,
	}); err != nil {
		s.Logger.Error().Err(err).Str("order_ref", order.OrderRef).Msg("emit order.created failed")
	}
}

func mapProviderError(err error) error {
	var pe *grandpay.Error
	if !errors.As(err, &pe) {
		return common.NewAppError("PAYMENT_UNAVAILABLE", "payment session could not be created", http.StatusBadGateway, err)
	}
	switch pe.Kind {
	case grandpay.KindMisconfigured:
		return common.NewAppError("PAYMENT_MISCONFIGURED", "payment gateway is not configured", http.StatusInternalServerError, err)
	case grandpay.KindProviderRejected:
		return common.NewAppError("PAYMENT_REJECTED", "payment provider rejected the session", http.StatusBadGateway, err)
	default:
		return common.NewAppError("PAYMENT_UNAVAILABLE", "payment provider is unavailable, please retry", http.StatusBadGateway, err)
	}
}
