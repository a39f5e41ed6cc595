// Package exerr defines the error taxonomy of the engine and the bounded
// retry decorator every network operation is wrapped in.
//
// Kinds are ordered by severity. Callers classify with Is/GetKind rather
// than string matching; no error of any other type escapes the engine.
package exerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindDDoSProtection is a rate-limit response. Retried with
	// exponential backoff up to the configured attempt bound.
	KindDDoSProtection Kind = iota

	// KindTemporary is a transient network failure, 5xx, or timeout. Retried.
	KindTemporary

	// KindRetryableOrder means an order was not found where it was expected.
	// Retried with bounded attempts (default 3).
	KindRetryableOrder

	// KindInvalidOrder is a venue rejection of a malformed or unplaceable
	// order. Surfaced, never retried.
	KindInvalidOrder

	// KindInsufficientFunds means the balance is too low. Surfaced.
	KindInsufficientFunds

	// KindPricing means no usable price could be derived. Surfaced.
	KindPricing

	// KindExchange is a venue-side semantic failure. Surfaced.
	KindExchange

	// KindConfiguration means the user configuration disallows the call.
	// Surfaced at startup.
	KindConfiguration

	// KindOperational is an invariant violation or unsupported venue.
	// Fatal; aborts the caller.
	KindOperational
)

func (k Kind) String() string {
	switch k {
	case KindDDoSProtection:
		return "ddos_protection"
	case KindTemporary:
		return "temporary"
	case KindRetryableOrder:
		return "retryable_order"
	case KindInvalidOrder:
		return "invalid_order"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindPricing:
		return "pricing"
	case KindExchange:
		return "exchange"
	case KindConfiguration:
		return "configuration"
	case KindOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind. It wraps an optional
// cause so errors.Is/As see through it.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates a cause with a kind and message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// GetKind extracts the kind from err. Unclassified errors report
// KindExchange: anything a venue adapter leaks without classification is a
// venue-side failure from the engine's point of view.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExchange
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retriable reports whether the error may be retried at all.
func Retriable(err error) bool {
	switch GetKind(err) {
	case KindDDoSProtection, KindTemporary, KindRetryableOrder:
		return true
	}
	return false
}
