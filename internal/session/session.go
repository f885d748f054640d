package session

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a checkout session.
type Status string

const (
	// StatusCreated is assigned when the remote session has been opened but the
	// shopper has not been redirected yet.
	StatusCreated Status = "CREATED"
	// StatusAwaitingResult means the shopper has been redirected to the provider
	// and the outcome has not been reconciled.
	StatusAwaitingResult Status = "AWAITING_RESULT"
	// StatusCompleted is the terminal paid state.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is the terminal rejected/cancelled state.
	StatusFailed Status = "FAILED"
	// StatusExpired is the terminal timeout state, reachable only from
	// AWAITING_RESULT via the sweep.
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether the value is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingResult, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from one status to another respects the
// monotonic lifecycle.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusAwaitingResult:
		return from == StatusCreated
	case StatusCompleted, StatusFailed:
		return from == StatusCreated || from == StatusAwaitingResult
	case StatusExpired:
		return from == StatusAwaitingResult
	default:
		return false
	}
}

// Contact is the customer snapshot taken at session creation time.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	State string `json:"state"`
}

// CheckoutSession is one attempt to pay for one order. It is persisted as
// attributes on the order record and retained as an audit trail; it is never
// deleted.
type CheckoutSession struct {
	OrderRef             string
	ProviderSessionID    string
	Amount               int64
	Currency             string
	Customer             Contact
	CheckoutURL          string
	SuccessURL           string
	FailureURL           string
	Status               Status
	InventoryDecremented bool
	CreatedAt            time.Time
	ResolvedAt           *time.Time
}

// ErrNotFound is returned by stores when no session matches the lookup.
var ErrNotFound = errors.New("session: not found")

// ErrConflict is returned by stores when a uniqueness constraint is violated.
var ErrConflict = errors.New("session: conflict")

// NormalizeProviderStatus maps a provider-reported status string onto the
// session lifecycle. Unrecognized values are treated as still pending; they
// are never silently promoted to success or failure.
func NormalizeProviderStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "COMPLETE", "SUCCESS", "SUCCEEDED", "PAID", "AUTHORIZED":
		return StatusCompleted
	case "REJECTED", "FAILED", "CANCELLED", "CANCELED", "ERROR", "DECLINED":
		return StatusFailed
	default:
		return StatusAwaitingResult
	}
}
