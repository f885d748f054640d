package grandpay

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure so callers can decide between surfacing
// a retryable error and flagging an operator problem.
type Kind string

const (
	// KindAuthFailed means the OAuth2 token could not be obtained or was
	// rejected; usually bad credentials.
	KindAuthFailed Kind = "AUTH_FAILED"
	// KindProviderRejected means the provider refused the request itself
	// (validation failure, unusable response).
	KindProviderRejected Kind = "PROVIDER_REJECTED"
	// KindNetworkError covers timeouts, connection failures and 5xx responses.
	KindNetworkError Kind = "NETWORK_ERROR"
	// KindMisconfigured means required credentials or settings are absent.
	KindMisconfigured Kind = "MISCONFIGURED"
)

// Error is the provider error type. Op names the API call that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("grandpay %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("grandpay %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("grandpay %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a provider Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
