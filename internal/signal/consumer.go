package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Consumer drains the trades channel, feeding each confirmed fill to the
// generators and into the detected-trade history.
type Consumer struct {
	queue    domain.Queue
	openGen  *OpenGenerator
	closeGen *CloseGenerator
	detected domain.DetectedTradeStore
	block    time.Duration
	logger   *slog.Logger
}

// NewConsumer creates a trades-channel consumer. block is the blocking pop
// timeout; it bounds shutdown latency.
func NewConsumer(queue domain.Queue, open *OpenGenerator, closeGen *CloseGenerator, detected domain.DetectedTradeStore, block time.Duration, logger *slog.Logger) *Consumer {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Consumer{
		queue:    queue,
		openGen:  open,
		closeGen: closeGen,
		detected: detected,
		block:    block,
		logger:   logger.With(slog.String("component", "signal.consumer")),
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("trade consumer started")
	defer c.logger.Info("trade consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := c.queue.Consume(ctx, domain.ChannelTrades, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("consume failed", slog.String("error", err.Error()))
			continue
		}
		if item == nil {
			continue
		}

		if err := c.process(ctx, item); err != nil {
			c.logger.Error("trade processing failed",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			if mfErr := c.queue.MarkFailed(ctx, item, err, true); mfErr != nil {
				c.logger.Error("mark failed errored", slog.String("error", mfErr.Error()))
			}
			continue
		}

		if err := c.queue.MarkCompleted(ctx, item); err != nil {
			c.logger.Error("mark completed errored", slog.String("error", err.Error()))
		}
	}
}

// process routes one confirmed fill: sells generate close signals against
// the trader's pre-close position, then the fill joins the history; buys
// join the history, then fan out open signals.
func (c *Consumer) process(ctx context.Context, item *domain.QueueItem) error {
	var trade domain.ParsedTrade
	if err := json.Unmarshal(item.Envelope.Payload, &trade); err != nil {
		return fmt.Errorf("signal: unmarshal trade: %w", err)
	}

	if trade.Side == domain.TradeSideSell {
		if err := c.closeGen.HandleTrade(ctx, trade); err != nil {
			return err
		}
		return c.detected.Insert(ctx, trade)
	}

	if err := c.detected.Insert(ctx, trade); err != nil {
		return err
	}
	return c.openGen.HandleTrade(ctx, trade)
}
