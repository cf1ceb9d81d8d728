package domain

import "github.com/pkg/errors"

var (
	// ErrTransient network failures, timeouts and rate limits. Retried next tick.
	ErrTransient = errors.New("transient gateway error")
	// ErrNoRoute no conversion path between two assets.
	ErrNoRoute = errors.New("no route")
	// ErrBelowMinimum order value below the exchange minimum.
	ErrBelowMinimum = errors.New("below minimum order value")
	// ErrAuth credentials rejected by the exchange.
	ErrAuth = errors.New("authentication failed")
	// ErrNoData not enough market data to compute a value.
	ErrNoData = errors.New("not enough market data")
	// ErrInsufficientFunds balance too low for the requested order.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Retryable reports whether err may succeed on a later attempt. Credential,
// routing, sizing and funding failures are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{ErrAuth, ErrNoRoute, ErrBelowMinimum, ErrInsufficientFunds} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
