package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key schema:
//
//	risk:breaker          - JSON CircuitBreakerState, present only while tripped
//	risk:cooling:{userID} - reason string with TTL = cooling period
//	risk:paused           - hash trader -> reason
//	risk:outcomes         - zset member "{ts}-{nonce}:{ok|fail}" scored by unix ms
const (
	breakerKey    = "risk:breaker"
	coolingPrefix = "risk:cooling:"
	pausedKey     = "risk:paused"
	outcomesKey   = "risk:outcomes"
)

// outcomeRetention bounds the rolling outcome window's storage.
const outcomeRetention = 2 * time.Hour

// RiskState implements domain.RiskState on Redis so every worker process
// shares the same safety gates.
type RiskState struct {
	rdb *redis.Client
}

// NewRiskState creates a RiskState backed by the given Client.
func NewRiskState(c *Client) *RiskState {
	return &RiskState{rdb: c.Underlying()}
}

// TripBreaker activates the global circuit breaker. Tripping an already
// active breaker overwrites the reason; last writer wins.
func (rs *RiskState) TripBreaker(ctx context.Context, reason domain.CircuitBreakerReason, triggeredBy string) error {
	state := domain.CircuitBreakerState{
		Active:      true,
		Reason:      reason,
		TriggeredAt: time.Now().UTC(),
		TriggeredBy: triggeredBy,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal breaker state: %w", err)
	}
	if err := rs.rdb.Set(ctx, breakerKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: trip breaker: %w", err)
	}
	return nil
}

// ResetBreaker deactivates the global circuit breaker.
func (rs *RiskState) ResetBreaker(ctx context.Context) error {
	if err := rs.rdb.Del(ctx, breakerKey).Err(); err != nil {
		return fmt.Errorf("redis: reset breaker: %w", err)
	}
	return nil
}

// Breaker returns the current breaker state; inactive when the key is absent.
func (rs *RiskState) Breaker(ctx context.Context) (domain.CircuitBreakerState, error) {
	data, err := rs.rdb.Get(ctx, breakerKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CircuitBreakerState{}, nil
		}
		return domain.CircuitBreakerState{}, fmt.Errorf("redis: get breaker: %w", err)
	}

	var state domain.CircuitBreakerState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("redis: unmarshal breaker: %w", err)
	}
	return state, nil
}

// StartCooling suppresses new signals for a user for the given duration.
func (rs *RiskState) StartCooling(ctx context.Context, userID string, d time.Duration, reason string) error {
	if err := rs.rdb.Set(ctx, coolingPrefix+userID, reason, d).Err(); err != nil {
		return fmt.Errorf("redis: start cooling %s: %w", userID, err)
	}
	return nil
}

// CoolingActive reports whether the user is inside a cooling period.
func (rs *RiskState) CoolingActive(ctx context.Context, userID string) (bool, error) {
	n, err := rs.rdb.Exists(ctx, coolingPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check cooling %s: %w", userID, err)
	}
	return n > 0, nil
}

// PauseTrader excludes a trader from copy fan-out.
func (rs *RiskState) PauseTrader(ctx context.Context, trader, reason string) error {
	if err := rs.rdb.HSet(ctx, pausedKey, trader, reason).Err(); err != nil {
		return fmt.Errorf("redis: pause trader %s: %w", trader, err)
	}
	return nil
}

// ResumeTrader removes a trader's pause.
func (rs *RiskState) ResumeTrader(ctx context.Context, trader string) error {
	if err := rs.rdb.HDel(ctx, pausedKey, trader).Err(); err != nil {
		return fmt.Errorf("redis: resume trader %s: %w", trader, err)
	}
	return nil
}

// TraderPaused reports whether a trader is currently paused.
func (rs *RiskState) TraderPaused(ctx context.Context, trader string) (bool, error) {
	ok, err := rs.rdb.HExists(ctx, pausedKey, trader).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check trader paused %s: %w", trader, err)
	}
	return ok, nil
}

// PausedTraders lists all paused traders.
func (rs *RiskState) PausedTraders(ctx context.Context) ([]string, error) {
	fields, err := rs.rdb.HKeys(ctx, pausedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list paused traders: %w", err)
	}
	return fields, nil
}

// RecordOutcome appends one execution outcome to the rolling window and
// prunes entries older than the retention horizon.
func (rs *RiskState) RecordOutcome(ctx context.Context, success bool) error {
	now := time.Now()
	suffix := "fail"
	if success {
		suffix = "ok"
	}
	member := fmt.Sprintf("%d-%s:%s", now.UnixNano(), uuid.NewString()[:8], suffix)

	pipe := rs.rdb.TxPipeline()
	pipe.ZAdd(ctx, outcomesKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, outcomesKey, "-inf",
		fmt.Sprintf("%d", now.Add(-outcomeRetention).UnixMilli()))
	pipe.Expire(ctx, outcomesKey, outcomeRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record outcome: %w", err)
	}
	return nil
}

// OutcomeCounts returns (failed, total) execution outcomes within the
// trailing window.
func (rs *RiskState) OutcomeCounts(ctx context.Context, window time.Duration) (int64, int64, error) {
	min := fmt.Sprintf("%d", time.Now().Add(-window).UnixMilli())

	members, err := rs.rdb.ZRangeByScore(ctx, outcomesKey, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: outcome counts: %w", err)
	}

	var failed int64
	for _, m := range members {
		if len(m) > 5 && m[len(m)-5:] == ":fail" {
			failed++
		}
	}
	return failed, int64(len(members)), nil
}

// Compile-time interface check.
var _ domain.RiskState = (*RiskState)(nil)
