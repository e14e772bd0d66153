package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting for outbound exchange calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking, used to keep periodic services
// (reconciliation, queue sweeps) single-flight across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// TokenBinding maps an outcome token id to its market and side of the book.
type TokenBinding struct {
	MarketID string  `json:"market_id"`
	Outcome  Outcome `json:"outcome"`
}

// MarketCache caches market metadata and the token-to-market index so the
// listener and executor do not hit the exchange REST API for every event.
type MarketCache interface {
	SetMarket(ctx context.Context, market Market, tokens map[string]TokenBinding) error
	GetMarket(ctx context.Context, id string) (Market, error)
	GetToken(ctx context.Context, tokenID string) (TokenBinding, error)
	Invalidate(ctx context.Context, id string) error
}

// SignalBus provides pub/sub fan-out and durable streams. The risk manager
// publishes breaker and pause events on it so every worker process observes
// state changes without polling.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
