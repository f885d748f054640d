package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yabe-ex/grandpay-gateway/internal/events"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

const uniqueViolation = "23505"

// Postgres persists orders, their checkout-session attributes and domain
// events. Sessions live as columns on the order row; the row doubles as the
// audit trail and is never deleted.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const sessionColumns = `order_ref, COALESCE(provider_session_id, ''), amount, currency,
	customer_name, customer_email, customer_phone, customer_state,
	COALESCE(checkout_url, ''), COALESCE(success_url, ''), COALESCE(failure_url, ''),
	status, inventory_decremented, created_at, resolved_at`

func scanSession(row pgx.Row) (session.CheckoutSession, error) {
	var s session.CheckoutSession
	var status string
	err := row.Scan(
		&s.OrderRef, &s.ProviderSessionID, &s.Amount, &s.Currency,
		&s.Customer.Name, &s.Customer.Email, &s.Customer.Phone, &s.Customer.State,
		&s.CheckoutURL, &s.SuccessURL, &s.FailureURL,
		&status, &s.InventoryDecremented, &s.CreatedAt, &s.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.CheckoutSession{}, session.ErrNotFound
		}
		return session.CheckoutSession{}, fmt.Errorf("store: scan order: %w", err)
	}
	s.Status = session.Status(status)
	return s, nil
}

// CreateOrder inserts a new order row in its initial state.
func (p *Postgres) CreateOrder(ctx context.Context, s session.CheckoutSession) (session.CheckoutSession, error) {
	if s.Status == "" {
		s.Status = session.StatusCreated
	}
	row := p.Pool.QueryRow(ctx, `
		INSERT INTO orders (order_ref, amount, currency, customer_name, customer_email, customer_phone, customer_state, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+sessionColumns,
		s.OrderRef, s.Amount, s.Currency,
		s.Customer.Name, s.Customer.Email, s.Customer.Phone, s.Customer.State,
		string(s.Status),
	)
	created, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return session.CheckoutSession{}, session.ErrConflict
		}
		return session.CheckoutSession{}, err
	}
	return created, nil
}

// GetByRef loads an order by its reference.
func (p *Postgres) GetByRef(ctx context.Context, ref string) (session.CheckoutSession, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM orders WHERE order_ref = $1`, ref)
	return scanSession(row)
}

// GetBySessionID loads an order by its provider session id.
func (p *Postgres) GetBySessionID(ctx context.Context, sid string) (session.CheckoutSession, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM orders WHERE provider_session_id = $1`, sid)
	return scanSession(row)
}

// FindRecentUnresolved returns the most recent order for the same contact and
// amount that has not reached a terminal state. Used as a fallback when the
// redirect carries a reference that cannot be resolved directly.
func (p *Postgres) FindRecentUnresolved(ctx context.Context, email string, amount int64, since time.Time) (session.CheckoutSession, error) {
	row := p.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM orders
		WHERE customer_email = $1 AND amount = $2
		  AND status IN ('CREATED', 'AWAITING_RESULT')
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`,
		email, amount, since,
	)
	return scanSession(row)
}

// AttachProviderSession records the remote session id and URLs on an order.
func (p *Postgres) AttachProviderSession(ctx context.Context, ref, sid, checkoutURL, successURL, failureURL string) error {
	tag, err := p.Pool.Exec(ctx, `
		UPDATE orders
		SET provider_session_id = $2, checkout_url = $3, success_url = $4, failure_url = $5
		WHERE order_ref = $1`,
		ref, sid, checkoutURL, successURL, failureURL,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return session.ErrConflict
		}
		return fmt.Errorf("store: attach session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Transition performs the atomic compare-and-set at the heart of the
// reconciliation protocol: the row moves to the new status only if its
// current status is still one of the expected values. Exactly one concurrent
// caller observes true.
func (p *Postgres) Transition(ctx context.Context, ref string, from []session.Status, to session.Status) (bool, error) {
	expected := make([]string, 0, len(from))
	for _, st := range from {
		expected = append(expected, string(st))
	}
	var resolvedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	tag, err := p.Pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, resolved_at = COALESCE($3, resolved_at)
		WHERE order_ref = $1 AND status = ANY($4)`,
		ref, string(to), resolvedAt, expected,
	)
	if err != nil {
		return false, fmt.Errorf("store: transition order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInventoryDecremented flags that stock has been taken for the order.
// The flag is idempotent by construction.
func (p *Postgres) MarkInventoryDecremented(ctx context.Context, ref string) error {
	if _, err := p.Pool.Exec(ctx, `
		UPDATE orders SET inventory_decremented = TRUE
		WHERE order_ref = $1 AND inventory_decremented = FALSE`,
		ref,
	); err != nil {
		return fmt.Errorf("store: mark inventory: %w", err)
	}
	return nil
}

// CreateFromSnapshot mints a minimal order from a correlation-token snapshot.
// Last resort for redirects whose order row cannot be found; the row starts
// awaiting its result so the webhook can still settle it.
func (p *Postgres) CreateFromSnapshot(ctx context.Context, snap session.CheckoutSession) (session.CheckoutSession, error) {
	snap.Status = session.StatusAwaitingResult
	return p.CreateOrder(ctx, snap)
}

// ListStaleAwaiting returns orders stuck in AWAITING_RESULT since before the
// cutoff, for the expiry sweep.
func (p *Postgres) ListStaleAwaiting(ctx context.Context, cutoff time.Time) ([]session.CheckoutSession, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM orders
		WHERE status = 'AWAITING_RESULT' AND created_at < $1
		ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list stale orders: %w", err)
	}
	defer rows.Close()

	var out []session.CheckoutSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertDomainEvent implements events.EventStore.
func (p *Postgres) InsertDomainEvent(ctx context.Context, topic, orderRef string, payload []byte) (events.Event, error) {
	ev := events.Event{ID: uuid.New(), Topic: topic, OrderRef: orderRef, Payload: payload}
	row := p.Pool.QueryRow(ctx, `
		INSERT INTO domain_events (id, topic, order_ref, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING occurred_at`,
		ev.ID, topic, orderRef, payload,
	)
	if err := row.Scan(&ev.OccurredAt); err != nil {
		return events.Event{}, fmt.Errorf("store: insert domain event: %w", err)
	}
	return ev, nil
}
