package reconcile

import "errors"

var (
	// ErrCorrelationInvalid means the redirect token failed verification or
	// is not bound to the claimed order. The request is rejected outright.
	ErrCorrelationInvalid = errors.New("reconcile: invalid correlation token")

	// ErrOrderNotResolvable means no order could be found or rebuilt for the
	// incoming signal; the signal is logged for manual reconciliation.
	ErrOrderNotResolvable = errors.New("reconcile: order not resolvable")
)
