package domain

import (
	"context"
	"time"
)

// CircuitBreakerReason names what tripped the global breaker.
type CircuitBreakerReason string

const (
	BreakerHighFailureRate CircuitBreakerReason = "high_failure_rate"
	BreakerManual          CircuitBreakerReason = "manual"
	BreakerExchangeOutage  CircuitBreakerReason = "exchange_outage"
)

// CircuitBreakerState is the process-wide kill switch. While active, no new
// submissions are made; claimed signals are requeued untouched.
type CircuitBreakerState struct {
	Active      bool
	Reason      CircuitBreakerReason
	TriggeredAt time.Time
	TriggeredBy string
}

// RiskState is the shared safety-gate store read before every execution and
// written by the risk manager. It is deliberately coarse: single writer, many
// readers, last-writer-wins.
type RiskState interface {
	TripBreaker(ctx context.Context, reason CircuitBreakerReason, triggeredBy string) error
	ResetBreaker(ctx context.Context) error
	Breaker(ctx context.Context) (CircuitBreakerState, error)

	// Cooling periods suppress new signals for one user, with TTL expiry.
	StartCooling(ctx context.Context, userID string, d time.Duration, reason string) error
	CoolingActive(ctx context.Context, userID string) (bool, error)

	// Paused traders are excluded from copy fan-out until resumed.
	PauseTrader(ctx context.Context, trader, reason string) error
	ResumeTrader(ctx context.Context, trader string) error
	TraderPaused(ctx context.Context, trader string) (bool, error)
	PausedTraders(ctx context.Context) ([]string, error)

	// RecordOutcome feeds the rolling failure-rate window.
	RecordOutcome(ctx context.Context, success bool) error
	// OutcomeCounts returns (failed, total) over the trailing window.
	OutcomeCounts(ctx context.Context, window time.Duration) (failed, total int64, err error)
}
