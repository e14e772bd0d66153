package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrRateLimited           = errors.New("rate limited")
	ErrCircuitOpen           = errors.New("circuit breaker open")
	ErrUserCoolingDown       = errors.New("user in cooling period")
	ErrTraderPaused          = errors.New("trader paused")
	ErrInsufficientLiquidity = errors.New("insufficient order book liquidity")
	ErrStatusConflict        = errors.New("trade record status changed concurrently")
	ErrNoHealthyEndpoint     = errors.New("no healthy rpc endpoint")
	ErrLockHeld              = errors.New("lock already held")
	ErrContextDone           = errors.New("context cancelled")
)

// ExecErrorCategory classifies exchange errors so each category can drive a
// distinct recovery action.
type ExecErrorCategory string

const (
	ExecErrNone              ExecErrorCategory = ""
	ExecErrInsufficientFunds ExecErrorCategory = "insufficient_funds"
	ExecErrMarketClosed      ExecErrorCategory = "market_closed"
	ExecErrRateLimit         ExecErrorCategory = "rate_limit"
	ExecErrInvalidAPIKeys    ExecErrorCategory = "invalid_api_keys"
	ExecErrOrderRejected     ExecErrorCategory = "order_rejected"
	ExecErrNetwork           ExecErrorCategory = "network"
)

// Retryable reports whether the execution layer should retry a failure of
// this category rather than surface it.
func (c ExecErrorCategory) Retryable() bool {
	switch c {
	case ExecErrRateLimit, ExecErrNetwork:
		return true
	default:
		return false
	}
}

// CategorizedError carries a structured category alongside the underlying
// error. Exchange clients return it so callers never have to parse message
// text.
type CategorizedError struct {
	Category ExecErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// ClassifyExecError maps an error to an execution error category. Structured
// CategorizedError values are trusted directly; anything else falls back to
// best-effort substring matching on the message, which is known to be brittle
// and should only ever catch errors from layers that predate structured codes.
func ClassifyExecError(err error) ExecErrorCategory {
	if err == nil {
		return ExecErrNone
	}

	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category
	}
	if errors.Is(err, ErrRateLimited) {
		return ExecErrRateLimit
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return ExecErrInsufficientFunds
	case strings.Contains(msg, "market closed"), strings.Contains(msg, "market is closed"), strings.Contains(msg, "not tradeable"):
		return ExecErrMarketClosed
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ExecErrRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api"), strings.Contains(msg, "forbidden"):
		return ExecErrInvalidAPIKeys
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "eof"):
		return ExecErrNetwork
	default:
		return ExecErrOrderRejected
	}
}
