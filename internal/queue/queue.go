// Package queue implements the durable trade queue on Redis. Items move
// through pending -> processing -> completed, with failed items either
// rescheduled on an exponential ladder or parked in a dead-letter set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/cache/redis"
	"github.com/alanyoungcy/copybot/internal/domain"
)

// Config holds the queue's delivery parameters.
type Config struct {
	MaxRetries      int           // deliveries before dead-letter, default 3
	RetryBase       time.Duration // delay = base^retryCount, default 5s
	ClaimTTL        time.Duration // processing visibility timeout, default 300s
	SweepInterval   time.Duration // reclaim/promote cadence, default 30s
	CompletedMaxAge time.Duration // retention for acked items, default 24h
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 300 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.CompletedMaxAge <= 0 {
		c.CompletedMaxAge = 24 * time.Hour
	}
}

// RetryDelay returns the backoff before the given redelivery: base^retryCount.
// retryCount is 1-based (the first retry waits base^1).
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	secs := math.Pow(base.Seconds(), float64(retryCount))
	return time.Duration(secs * float64(time.Second))
}

// Queue is the Redis-backed implementation of domain.Queue.
//
// Key schema per channel C:
//
//	C:pending    - list of item ids; head is consumed first
//	C:processing - list of claimed ids (BLMOVE target)
//	C:claims     - hash id -> claim expiry unix ms
//	C:retry      - zset id scored by scheduled retry time unix ms
//	C:failed     - list of dead-letter ids
//	C:completed  - zset id scored by completion time unix ms
//	C:items      - hash id -> envelope JSON
type Queue struct {
	rdb    *goredis.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Queue backed by the given Redis client.
func New(c *redis.Client, cfg Config, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		rdb:    c.Underlying(),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "queue")),
	}
}

func pendingKey(ch string) string    { return ch + ":pending" }
func processingKey(ch string) string { return ch + ":processing" }
func claimsKey(ch string) string     { return ch + ":claims" }
func retryKey(ch string) string      { return ch + ":retry" }
func failedKey(ch string) string     { return ch + ":failed" }
func completedKey(ch string) string  { return ch + ":completed" }
func itemsKey(ch string) string      { return ch + ":items" }

// Push marshals payload into an envelope and enqueues it. High-priority
// items go to the head of the pending list, normal items to the tail.
func (q *Queue) Push(ctx context.Context, channel string, payload any, priority domain.Priority) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	env := domain.QueueEnvelope{
		Payload:    raw,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		QueuedAt:   time.Now().UTC(),
	}

	id := uuid.NewString()
	if err := q.storeAndEnqueue(ctx, channel, id, env, priority == domain.PriorityHigh); err != nil {
		return err
	}

	q.logger.Debug("item queued",
		slog.String("channel", channel),
		slog.String("id", id),
		slog.String("priority", string(priority)),
	)
	return nil
}

// storeAndEnqueue writes the envelope and places the id on pending.
func (q *Queue) storeAndEnqueue(ctx context.Context, channel, id string, env domain.QueueEnvelope, front bool) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, itemsKey(channel), id, data)
	if front {
		pipe.LPush(ctx, pendingKey(channel), id)
	} else {
		pipe.RPush(ctx, pendingKey(channel), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: push %s: %w", channel, err)
	}
	return nil
}

// Consume claims the next pending item, blocking up to timeout. It promotes
// due retries and reclaims expired claims first, so a stalled sweeper never
// strands items. Returns (nil, nil) on timeout.
func (q *Queue) Consume(ctx context.Context, channel string, timeout time.Duration) (*domain.QueueItem, error) {
	if err := q.sweepChannel(ctx, channel); err != nil {
		return nil, err
	}

	// Atomic move pending head -> processing tail.
	id, err := q.rdb.BLMove(ctx, pendingKey(channel), processingKey(channel), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: consume %s: %w", channel, err)
	}

	expiry := time.Now().Add(q.cfg.ClaimTTL).UnixMilli()
	if err := q.rdb.HSet(ctx, claimsKey(channel), id, expiry).Err(); err != nil {
		return nil, fmt.Errorf("queue: claim %s/%s: %w", channel, id, err)
	}

	env, err := q.envelope(ctx, channel, id)
	if err != nil {
		return nil, err
	}

	return &domain.QueueItem{ID: id, Channel: channel, Envelope: env}, nil
}

func (q *Queue) envelope(ctx context.Context, channel, id string) (domain.QueueEnvelope, error) {
	data, err := q.rdb.HGet(ctx, itemsKey(channel), id).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.QueueEnvelope{}, fmt.Errorf("queue: item %s/%s: %w", channel, id, domain.ErrNotFound)
		}
		return domain.QueueEnvelope{}, fmt.Errorf("queue: load item %s/%s: %w", channel, id, err)
	}

	var env domain.QueueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.QueueEnvelope{}, fmt.Errorf("queue: unmarshal item %s/%s: %w", channel, id, err)
	}
	return env, nil
}

// release removes the item's claim and processing entry.
func (q *Queue) release(ctx context.Context, channel, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(channel), 1, id)
	pipe.HDel(ctx, claimsKey(channel), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: release %s/%s: %w", channel, id, err)
	}
	return nil
}

// MarkCompleted acks a claimed item.
func (q *Queue) MarkCompleted(ctx context.Context, item *domain.QueueItem) error {
	if err := q.release(ctx, item.Channel, item.ID); err != nil {
		return err
	}
	err := q.rdb.ZAdd(ctx, completedKey(item.Channel), goredis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: item.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: complete %s/%s: %w", item.Channel, item.ID, err)
	}
	return nil
}

// ShouldDeadLetter decides whether a failed delivery is finished retrying.
// nextRetryCount is the count after this failure is recorded.
func ShouldDeadLetter(nextRetryCount, maxRetries int, retryable bool) bool {
	return !retryable || nextRetryCount > maxRetries
}

// MarkFailed records a failed delivery. Retryable failures with budget left
// are rescheduled at base^retryCount; everything else moves to dead-letter.
func (q *Queue) MarkFailed(ctx context.Context, item *domain.QueueItem, cause error, retryable bool) error {
	if err := q.release(ctx, item.Channel, item.ID); err != nil {
		return err
	}

	env := item.Envelope
	env.RetryCount++
	if cause != nil {
		env.LastError = cause.Error()
	}

	if ShouldDeadLetter(env.RetryCount, env.MaxRetries, retryable) {
		env.ScheduledRetryAt = nil
		if err := q.storeEnvelope(ctx, item.Channel, item.ID, env); err != nil {
			return err
		}
		if err := q.rdb.RPush(ctx, failedKey(item.Channel), item.ID).Err(); err != nil {
			return fmt.Errorf("queue: dead-letter %s/%s: %w", item.Channel, item.ID, err)
		}
		q.logger.Warn("item dead-lettered",
			slog.String("channel", item.Channel),
			slog.String("id", item.ID),
			slog.Int("retry_count", env.RetryCount),
			slog.String("last_error", env.LastError),
		)
		return nil
	}

	at := time.Now().Add(RetryDelay(q.cfg.RetryBase, env.RetryCount)).UTC()
	env.ScheduledRetryAt = &at
	if err := q.storeEnvelope(ctx, item.Channel, item.ID, env); err != nil {
		return err
	}
	err := q.rdb.ZAdd(ctx, retryKey(item.Channel), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: item.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: schedule retry %s/%s: %w", item.Channel, item.ID, err)
	}

	q.logger.Info("item scheduled for retry",
		slog.String("channel", item.Channel),
		slog.String("id", item.ID),
		slog.Int("retry_count", env.RetryCount),
		slog.Time("at", at),
	)
	return nil
}

// Requeue returns a claimed item to the head of pending with no retry
// counted. Used when the breaker rejects work that was never attempted.
func (q *Queue) Requeue(ctx context.Context, item *domain.QueueItem) error {
	if err := q.release(ctx, item.Channel, item.ID); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, pendingKey(item.Channel), item.ID).Err(); err != nil {
		return fmt.Errorf("queue: requeue %s/%s: %w", item.Channel, item.ID, err)
	}
	return nil
}

func (q *Queue) storeEnvelope(ctx context.Context, channel, id string, env domain.QueueEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.rdb.HSet(ctx, itemsKey(channel), id, data).Err(); err != nil {
		return fmt.Errorf("queue: store item %s/%s: %w", channel, id, err)
	}
	return nil
}

// Status returns per-channel depth gauges.
func (q *Queue) Status(ctx context.Context, channel string) (domain.QueueStatus, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, pendingKey(channel))
	processing := pipe.LLen(ctx, processingKey(channel))
	retry := pipe.ZCard(ctx, retryKey(channel))
	failed := pipe.LLen(ctx, failedKey(channel))
	completed := pipe.ZCard(ctx, completedKey(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStatus{}, fmt.Errorf("queue: status %s: %w", channel, err)
	}

	return domain.QueueStatus{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Retry:      retry.Val(),
		Failed:     failed.Val(),
		Completed:  completed.Val(),
	}, nil
}

// RetryFailed replays up to limit dead-letter items back to pending with
// reset retry budgets.
func (q *Queue) RetryFailed(ctx context.Context, channel string, limit int) (int, error) {
	replayed := 0
	for replayed < limit {
		id, err := q.rdb.LPop(ctx, failedKey(channel)).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				break
			}
			return replayed, fmt.Errorf("queue: retry failed %s: %w", channel, err)
		}

		env, err := q.envelope(ctx, channel, id)
		if err != nil {
			return replayed, err
		}
		env.RetryCount = 0
		env.ScheduledRetryAt = nil
		env.LastError = ""

		if err := q.storeEnvelope(ctx, channel, id, env); err != nil {
			return replayed, err
		}
		if err := q.rdb.RPush(ctx, pendingKey(channel), id).Err(); err != nil {
			return replayed, fmt.Errorf("queue: retry failed %s/%s: %w", channel, id, err)
		}
		replayed++
	}

	if replayed > 0 {
		q.logger.Info("dead-letter items replayed",
			slog.String("channel", channel),
			slog.Int("count", replayed),
		)
	}
	return replayed, nil
}

// ClearCompleted deletes acked items older than maxAge.
func (q *Queue) ClearCompleted(ctx context.Context, channel string, maxAge time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-maxAge).UnixMilli(), 10)

	ids, err := q.rdb.ZRangeByScore(ctx, completedKey(channel), &goredis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: clear completed %s: %w", channel, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	fields := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		fields[i] = id
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, completedKey(channel), members...)
	pipe.HDel(ctx, itemsKey(channel), fields...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: clear completed %s: %w", channel, err)
	}
	return int64(len(ids)), nil
}

// sweepChannel promotes due retries and reclaims expired processing claims.
func (q *Queue) sweepChannel(ctx context.Context, channel string) error {
	now := time.Now().UnixMilli()

	// Promote retries whose schedule has arrived.
	due, err := q.rdb.ZRangeByScore(ctx, retryKey(channel), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: sweep retries %s: %w", channel, err)
	}
	for _, id := range due {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, retryKey(channel), id)
		pipe.LPush(ctx, pendingKey(channel), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote retry %s/%s: %w", channel, id, err)
		}
	}

	// Reclaim items whose consumer died mid-claim. The processing list is
	// snapshotted before the claims hash so an id a consumer is claiming right
	// now has its claim recorded by the time we compare. An id sitting in
	// processing with no claim at all is a consumer that died between the move
	// and the claim write; it is reclaimed like an expired one.
	processing, err := q.rdb.LRange(ctx, processingKey(channel), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: sweep processing %s: %w", channel, err)
	}
	claims, err := q.rdb.HGetAll(ctx, claimsKey(channel)).Result()
	if err != nil {
		return fmt.Errorf("queue: sweep claims %s: %w", channel, err)
	}
	for _, id := range reclaimable(processing, claims, now) {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(channel), 1, id)
		pipe.HDel(ctx, claimsKey(channel), id)
		pipe.LPush(ctx, pendingKey(channel), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: reclaim %s/%s: %w", channel, id, err)
		}
		q.logger.Warn("expired claim reclaimed",
			slog.String("channel", channel),
			slog.String("id", id),
		)
	}

	return nil
}

// reclaimable returns the processing ids whose claim has expired, is
// unparseable, or is missing entirely. now is unix milliseconds.
func reclaimable(processing []string, claims map[string]string, now int64) []string {
	var out []string
	for _, id := range processing {
		raw, claimed := claims[id]
		if claimed {
			expiry, err := strconv.ParseInt(raw, 10, 64)
			if err == nil && expiry > now {
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// RunSweeper periodically sweeps all channels and trims old completed items
// until the context is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, channels ...string) error {
	q.logger.Info("queue sweeper started", slog.Duration("interval", q.cfg.SweepInterval))
	defer q.logger.Info("queue sweeper stopped")

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, ch := range channels {
				if err := q.sweepChannel(ctx, ch); err != nil {
					q.logger.Error("sweep failed",
						slog.String("channel", ch),
						slog.String("error", err.Error()),
					)
				}
				if _, err := q.ClearCompleted(ctx, ch, q.cfg.CompletedMaxAge); err != nil {
					q.logger.Error("completed trim failed",
						slog.String("channel", ch),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Compile-time interface check.
var _ domain.Queue = (*Queue)(nil)
