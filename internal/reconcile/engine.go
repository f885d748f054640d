package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/yabe-ex/grandpay-gateway/internal/events"
	"github.com/yabe-ex/grandpay-gateway/internal/grandpay"
	"github.com/yabe-ex/grandpay-gateway/internal/obs"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

// Source names the channel a reconciliation signal arrived on.
type Source string

const (
	SourceRedirect Source = "redirect"
	SourceWebhook  Source = "webhook"
	SourceSweep    Source = "sweep"
)

// Store is the persistence surface the engine drives. Transition is the
// atomic compare-and-set that guarantees exactly-once side effects across
// the redirect/webhook race.
type Store interface {
	GetByRef(ctx context.Context, ref string) (session.CheckoutSession, error)
	GetBySessionID(ctx context.Context, sid string) (session.CheckoutSession, error)
	FindRecentUnresolved(ctx context.Context, email string, amount int64, since time.Time) (session.CheckoutSession, error)
	CreateFromSnapshot(ctx context.Context, snap session.CheckoutSession) (session.CheckoutSession, error)
	AttachProviderSession(ctx context.Context, ref, sid, checkoutURL, successURL, failureURL string) error
	Transition(ctx context.Context, ref string, from []session.Status, to session.Status) (bool, error)
	MarkInventoryDecremented(ctx context.Context, ref string) error
	ListStaleAwaiting(ctx context.Context, cutoff time.Time) ([]session.CheckoutSession, error)
}

// StatusPoller fetches the authoritative session state from the provider.
type StatusPoller interface {
	GetCheckoutSession(ctx context.Context, id string) (grandpay.CheckoutSession, error)
}

// RedirectEvent is a shopper return through the callback URL.
type RedirectEvent struct {
	Result   string
	OrderRef string
	Token    string
}

// WebhookEvent is a provider push, already signature-verified by the handler.
type WebhookEvent struct {
	SessionID string
	Status    string
}

// Outcome reports what a reconciliation signal did to the order.
type Outcome struct {
	OrderRef  string
	SessionID string
	Status    session.Status
	// Transitioned is true only for the signal that won the compare-and-set
	// and ran the side effects.
	Transitioned bool
	// AlreadyResolved is true when the order was terminal before this signal.
	AlreadyResolved bool
}

// Engine reconciles payment outcomes from redirects, webhooks and the expiry
// sweep onto durable order state. All paths converge on Store.Transition, so
// duplicate and racing signals are harmless.
type Engine struct {
	Store         Store
	Poller        StatusPoller
	Tokens        *session.Signer
	Events        *events.Bus
	Logger        zerolog.Logger
	ResolveWindow time.Duration
}

func (e *Engine) resolveWindow() time.Duration {
	if e.ResolveWindow > 0 {
		return e.ResolveWindow
	}
	return 30 * time.Minute
}

// OnRedirect handles a shopper returning from the hosted payment page. The
// redirect is treated as a hint, never as proof: a success result is
// confirmed against the provider before the order is marked paid.
func (e *Engine) OnRedirect(ctx context.Context, ev RedirectEvent) (Outcome, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.OnRedirect")
	defer span.End()

	claims, err := e.Tokens.Verify(ev.Token, ev.OrderRef)
	if err != nil {
		countReconcile(string(SourceRedirect), "rejected")
		e.Logger.Warn().Str("order_ref", ev.OrderRef).Err(err).Msg("redirect with invalid correlation token")
		return Outcome{}, fmt.Errorf("%w: %v", ErrCorrelationInvalid, err)
	}

	sess, err := e.resolve(ctx, ev.OrderRef, claims)
	if err != nil {
		countReconcile(string(SourceRedirect), "unresolvable")
		return Outcome{}, err
	}

	if sess.Status.Terminal() {
		countReconcile(string(SourceRedirect), "duplicate")
		return e.existing(sess), nil
	}

	if ev.Result != "success" {
		return e.settle(ctx, sess, SourceRedirect, session.StatusFailed)
	}

	// A success redirect alone proves nothing; confirm with the provider.
	if sess.ProviderSessionID == "" {
		e.markAwaiting(ctx, sess)
		return e.pending(sess), nil
	}
	remote, err := e.Poller.GetCheckoutSession(ctx, sess.ProviderSessionID)
	if err != nil {
		// State is untouched; the caller surfaces a retryable error and the
		// webhook remains able to settle the order.
		countReconcile(string(SourceRedirect), "poll_failed")
		e.Logger.Error().Err(err).Str("order_ref", sess.OrderRef).Msg("status poll failed after success redirect")
		return Outcome{}, fmt.Errorf("confirm payment for %s: %w", sess.OrderRef, err)
	}

	switch session.NormalizeProviderStatus(remote.Status) {
	case session.StatusCompleted:
		return e.settle(ctx, sess, SourceRedirect, session.StatusCompleted)
	case session.StatusFailed:
		return e.settle(ctx, sess, SourceRedirect, session.StatusFailed)
	default:
		e.Logger.Info().
			Str("order_ref", sess.OrderRef).
			Str("provider_status", remote.Status).
			Msg("provider still reports session pending")
		e.markAwaiting(ctx, sess)
		return e.pending(sess), nil
	}
}

// OnWebhook handles a verified provider notification. Unrecognized statuses
// leave the order awaiting; they are never promoted to an outcome.
func (e *Engine) OnWebhook(ctx context.Context, ev WebhookEvent) (Outcome, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.OnWebhook")
	defer span.End()

	sess, err := e.Store.GetBySessionID(ctx, ev.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		sess, err = e.adoptSession(ctx, ev.SessionID)
	}
	if err != nil {
		return Outcome{}, err
	}

	if sess.Status.Terminal() {
		countReconcile(string(SourceWebhook), "duplicate")
		return e.existing(sess), nil
	}

	switch session.NormalizeProviderStatus(ev.Status) {
	case session.StatusCompleted:
		return e.settle(ctx, sess, SourceWebhook, session.StatusCompleted)
	case session.StatusFailed:
		return e.settle(ctx, sess, SourceWebhook, session.StatusFailed)
	default:
		e.Logger.Warn().
			Str("order_ref", sess.OrderRef).
			Str("provider_status", ev.Status).
			Msg("webhook with unrecognized status, leaving order awaiting")
		e.markAwaiting(ctx, sess)
		return e.pending(sess), nil
	}
}

// SweepExpired moves sessions that have been awaiting a result for longer
// than maxAge to EXPIRED. Returns the number of orders expired.
func (e *Engine) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.SweepExpired")
	defer span.End()

	stale, err := e.Store.ListStaleAwaiting(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sess := range stale {
		ok, err := e.Store.Transition(ctx, sess.OrderRef, []session.Status{session.StatusAwaitingResult}, session.StatusExpired)
		if err != nil {
			return expired, err
		}
		if !ok {
			// A real outcome arrived between the listing and the update.
			continue
		}
		expired++
		if obs.SessionsExpiredTotal != nil {
			obs.SessionsExpiredTotal.Inc()
		}
		e.emit(ctx, events.TopicPaymentExpired, sess)
		e.Logger.Info().Str("order_ref", sess.OrderRef).Msg("checkout session expired")
	}
	return expired, nil
}

// settle attempts the terminal transition. Only the winner of the
// compare-and-set runs side effects; losers re-read and report the state the
// winner left behind.
func (e *Engine) settle(ctx context.Context, sess session.CheckoutSession, source Source, to session.Status) (Outcome, error) {
	ok, err := e.Store.Transition(ctx, sess.OrderRef,
		[]session.Status{session.StatusCreated, session.StatusAwaitingResult}, to)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		current, err := e.Store.GetByRef(ctx, sess.OrderRef)
		if err != nil {
			return Outcome{}, err
		}
		countReconcile(string(source), "duplicate")
		if current.Status != to {
			e.Logger.Warn().
				Str("order_ref", sess.OrderRef).
				Str("wanted", string(to)).
				Str("actual", string(current.Status)).
				Msg("lost settle race to a different outcome")
		}
		return e.existing(current), nil
	}

	countReconcile(string(source), string(to))
	log := e.Logger.Info().
		Str("order_ref", sess.OrderRef).
		Str("session_id", sess.ProviderSessionID).
		Str("source", string(source))

	if to == session.StatusCompleted {
		if err := e.Store.MarkInventoryDecremented(ctx, sess.OrderRef); err != nil {
			// The order is paid either way; flag for manual follow-up.
			e.Logger.Error().Err(err).Str("order_ref", sess.OrderRef).Msg("inventory decrement failed after payment")
		}
		e.emit(ctx, events.TopicOrderPaid, sess)
		log.Msg("payment completed")
	} else {
		e.emit(ctx, events.TopicPaymentFailed, sess)
		log.Msg("payment failed")
	}

	return Outcome{
		OrderRef:     sess.OrderRef,
		SessionID:    sess.ProviderSessionID,
		Status:       to,
		Transitioned: true,
	}, nil
}

func (e *Engine) markAwaiting(ctx context.Context, sess session.CheckoutSession) {
	if sess.Status != session.StatusCreated {
		return
	}
	if _, err := e.Store.Transition(ctx, sess.OrderRef,
		[]session.Status{session.StatusCreated}, session.StatusAwaitingResult); err != nil {
		e.Logger.Error().Err(err).Str("order_ref", sess.OrderRef).Msg("mark awaiting failed")
	}
}

// resolve finds the order a redirect refers to. Primary lookup is by
// reference; fallback is the most recent unresolved order for the same
// contact and amount; last resort rebuilds a minimal order from the token
// snapshot so a late webhook can still settle it.
func (e *Engine) resolve(ctx context.Context, ref string, claims session.Claims) (session.CheckoutSession, error) {
	sess, err := e.Store.GetByRef(ctx, ref)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return session.CheckoutSession{}, err
	}

	if claims.Email != "" && claims.Amount > 0 {
		since := time.Now().Add(-e.resolveWindow())
		sess, err = e.Store.FindRecentUnresolved(ctx, claims.Email, claims.Amount, since)
		if err == nil {
			e.Logger.Info().
				Str("order_ref", ref).
				Str("resolved_ref", sess.OrderRef).
				Msg("order resolved via contact fallback")
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.CheckoutSession{}, err
		}
	}

	if claims.Amount <= 0 {
		return session.CheckoutSession{}, fmt.Errorf("%w: %s", ErrOrderNotResolvable, ref)
	}
	created, err := e.Store.CreateFromSnapshot(ctx, session.CheckoutSession{
		OrderRef: ref,
		Amount:   claims.Amount,
		Currency: claims.Currency,
		Customer: session.Contact{Email: claims.Email},
	})
	if err != nil {
		return session.CheckoutSession{}, fmt.Errorf("%w: %s: %v", ErrOrderNotResolvable, ref, err)
	}
	e.Logger.Warn().Str("order_ref", ref).Msg("order rebuilt from correlation token snapshot")
	return created, nil
}

// adoptSession maps a webhook for a session id we never recorded back to its
// order. The provider echoes the order reference on session reads, which
// covers orders rebuilt from a token snapshot: they carry no session id of
// their own until this attaches one.
func (e *Engine) adoptSession(ctx context.Context, sid string) (session.CheckoutSession, error) {
	if e.Poller == nil {
		return session.CheckoutSession{}, e.unresolvableSession(sid)
	}
	remote, err := e.Poller.GetCheckoutSession(ctx, sid)
	if err != nil {
		// Transient: surface it so the provider retries the delivery.
		return session.CheckoutSession{}, fmt.Errorf("look up session %s: %w", sid, err)
	}
	if remote.Link.OrderID == "" {
		return session.CheckoutSession{}, e.unresolvableSession(sid)
	}
	sess, err := e.Store.GetByRef(ctx, remote.Link.OrderID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.CheckoutSession{}, e.unresolvableSession(sid)
		}
		return session.CheckoutSession{}, err
	}
	if sess.ProviderSessionID != "" && sess.ProviderSessionID != sid {
		e.Logger.Error().
			Str("order_ref", sess.OrderRef).
			Str("session_id", sid).
			Str("recorded_session_id", sess.ProviderSessionID).
			Msg("webhook session does not match the order's recorded session")
		return session.CheckoutSession{}, e.unresolvableSession(sid)
	}
	if sess.ProviderSessionID == "" {
		if err := e.Store.AttachProviderSession(ctx, sess.OrderRef, sid, remote.CheckoutURL, sess.SuccessURL, sess.FailureURL); err != nil {
			return session.CheckoutSession{}, err
		}
		sess.ProviderSessionID = sid
		e.Logger.Info().
			Str("order_ref", sess.OrderRef).
			Str("session_id", sid).
			Msg("webhook session adopted via provider lookup")
	}
	return sess, nil
}

func (e *Engine) unresolvableSession(sid string) error {
	countReconcile(string(SourceWebhook), "unresolvable")
	e.Logger.Error().Str("session_id", sid).Msg("webhook for unknown session")
	return fmt.Errorf("%w: session %s", ErrOrderNotResolvable, sid)
}

func (e *Engine) emit(ctx context.Context, topic string, sess session.CheckoutSession) {
	if e.Events == nil {
		return
	}
	if _, err := e.Events.Emit(ctx, topic, sess.OrderRef, map[string]any{
		"orderRef":  sess.OrderRef,
		"sessionId": sess.ProviderSessionID,
		"amount":    sess.Amount,
		"currency":  sess.Currency,
		"email":     sess.Customer.Email,
	}); err != nil {
		e.Logger.Error().Err(err).Str("topic", topic).Str("order_ref", sess.OrderRef).Msg("emit event failed")
	}
}

func (e *Engine) existing(sess session.CheckoutSession) Outcome {
	return Outcome{
		OrderRef:        sess.OrderRef,
		SessionID:       sess.ProviderSessionID,
		Status:          sess.Status,
		AlreadyResolved: sess.Status.Terminal(),
	}
}

func (e *Engine) pending(sess session.CheckoutSession) Outcome {
	return Outcome{
		OrderRef:  sess.OrderRef,
		SessionID: sess.ProviderSessionID,
		Status:    session.StatusAwaitingResult,
	}
}

func countReconcile(source, result string) {
	if obs.ReconcileTotal != nil {
		obs.ReconcileTotal.WithLabelValues(source, result).Inc()
	}
}
