package billing

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrDuplicateEvent       = errors.New("duplicate event")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrProviderUnavailable  = errors.New("payment provider unavailable")

	ErrTenantNotConfigured = errors.New("tenant billing not configured")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrPlanInactive        = errors.New("plan is not active")
	ErrPlanImmutable       = errors.New("plan has subscribers; interval, amount and currency are frozen")
	ErrContactNotFound     = errors.New("contact not found")
	ErrInvalidTransition   = errors.New("invalid subscription transition")
	ErrInvalidInput        = errors.New("invalid input")
)

// ProviderErrorKind classifies processor failures.
type ProviderErrorKind string

const (
	ProviderErrorNetwork        ProviderErrorKind = "network"
	ProviderErrorTimeout        ProviderErrorKind = "timeout"
	ProviderErrorRateLimited    ProviderErrorKind = "rate_limited"
	ProviderErrorCardDeclined   ProviderErrorKind = "card_declined"
	ProviderErrorInvalidRequest ProviderErrorKind = "invalid_request"
	ProviderErrorAuth           ProviderErrorKind = "authentication"
	ProviderErrorServer         ProviderErrorKind = "server"
	ProviderErrorCircuitOpen    ProviderErrorKind = "circuit_open"
)

// ProviderError is the failure half of a gateway Result.
type ProviderError struct {
	Op         string
	Kind       ProviderErrorKind
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%d %s): %s", e.Op, e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a bounded processor call: either Value or Failure.
type Result[T any] struct {
	Value   T
	Failure *ProviderError
}

// Success reports whether the call succeeded.
func (r Result[T]) Success() bool {
	return r.Failure == nil
}

func ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func failed[T any](pe *ProviderError) Result[T] {
	return Result[T]{Failure: pe}
}
