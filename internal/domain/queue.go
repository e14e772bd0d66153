package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Logical queue channels. The queue implementation derives its physical keys
// (":pending", ":processing", ":retry", ":failed", ":completed") from these.
const (
	ChannelTrades       = "trades"
	ChannelSignals      = "signals"
	ChannelCloseSignals = "close-signals"
)

// QueueEnvelope wraps a payload with delivery bookkeeping. The invariant
// RetryCount <= MaxRetries holds for every item outside the dead-letter
// channel; once exceeded the item moves to dead-letter and is never dropped.
type QueueEnvelope struct {
	Payload          json.RawMessage `json:"payload"`
	Priority         Priority        `json:"priority"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	QueuedAt         time.Time       `json:"queued_at"`
	ScheduledRetryAt *time.Time      `json:"scheduled_retry_at,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
}

// QueueItem is one claimed delivery: the envelope plus the identifiers the
// consumer needs to ack or fail it.
type QueueItem struct {
	ID       string // claim id, unique per delivery
	Channel  string
	Envelope QueueEnvelope
}

// QueueStatus reports per-channel depth gauges.
type QueueStatus struct {
	Pending    int64
	Processing int64
	Retry      int64
	Failed     int64
	Completed  int64
}

// Queue is a durable, prioritized, retryable queue. An item is visible in
// exactly one of pending/processing/retry/failed/completed at a time.
type Queue interface {
	// Push marshals payload and enqueues it on channel. High-priority items
	// are delivered ahead of normal ones.
	Push(ctx context.Context, channel string, payload any, priority Priority) error

	// Consume blocks up to timeout for the next item, claiming it into the
	// processing set with a visibility TTL. It returns (nil, nil) when the
	// timeout elapses with nothing available.
	Consume(ctx context.Context, channel string, timeout time.Duration) (*QueueItem, error)

	// MarkCompleted acks a claimed item, moving it to the completed set.
	MarkCompleted(ctx context.Context, item *QueueItem) error

	// MarkFailed records a failure. Retryable failures with retries remaining
	// are rescheduled with exponential delay; exhausted or non-retryable
	// items move to the dead-letter set with cause recorded.
	MarkFailed(ctx context.Context, item *QueueItem, cause error, retryable bool) error

	// Requeue returns a claimed item to pending untouched (no retry counted).
	// Used when the circuit breaker rejects work that was never attempted.
	Requeue(ctx context.Context, item *QueueItem) error

	// Status returns depth gauges for channel.
	Status(ctx context.Context, channel string) (QueueStatus, error)

	// RetryFailed bulk-replays up to limit dead-letter items back to pending
	// with reset retry counts. Returns the number replayed.
	RetryFailed(ctx context.Context, channel string, limit int) (int, error)

	// ClearCompleted deletes completed items older than maxAge. Returns the
	// number removed.
	ClearCompleted(ctx context.Context, channel string, maxAge time.Duration) (int64, error)
}
