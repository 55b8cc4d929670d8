package core

import "errors"

// Failure taxonomy. Every error surfaced by the client wraps exactly one of
// these sentinels so callers can decide retryability with errors.Is.
var (
	// ErrValidation marks a malformed order or unknown symbol. Fatal to the
	// order, never retried.
	ErrValidation = errors.New("order validation failed")
	// ErrRiskLimit marks an order rejected by the local risk checks before
	// any network call.
	ErrRiskLimit = errors.New("risk limit exceeded")
	// ErrRateLimited marks a request denied by the local quota or a server
	// 429. Retryable after the indicated wait.
	ErrRateLimited = errors.New("rate limited")
	// ErrBanned marks the global banned state entered on a server 418. All
	// requests fail fast until the ban expires.
	ErrBanned = errors.New("temporarily banned")
	// ErrTransport marks timeouts, refused connections and malformed
	// responses. Retryable with backoff.
	ErrTransport = errors.New("transport failure")
	// ErrSigning marks invalid credentials or an unusable private key.
	// Raised at construction; a client must not start with it.
	ErrSigning = errors.New("signing unavailable")
)

// Exchange-reported conditions, classified from API error codes/messages.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderExpired        = errors.New("order expired")
	ErrUnknownSymbol       = errors.New("unknown symbol")
)

// Retryable reports whether the caller may retry the operation that produced
// err. Validation, risk and signing failures are final.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTransport):
		return true
	}
	return false
}
