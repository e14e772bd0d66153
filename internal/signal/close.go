package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// CloseGenerator turns a trader's sell into CloseSignals for every follower
// position still open on the same (trader, market, outcome). The fraction
// closed mirrors the trader's own fraction, independent of absolute sizes.
type CloseGenerator struct {
	records  domain.TradeRecordStore
	detected domain.DetectedTradeStore
	queue    domain.Queue
	logger   *slog.Logger
}

// NewCloseGenerator creates a CloseGenerator.
func NewCloseGenerator(records domain.TradeRecordStore, detected domain.DetectedTradeStore, queue domain.Queue, logger *slog.Logger) *CloseGenerator {
	return &CloseGenerator{
		records:  records,
		detected: detected,
		queue:    queue,
		logger:   logger.With(slog.String("component", "signal.close")),
	}
}

// ClosePercent is the share of the trader's position a sell represents,
// clamped to [0,100].
func ClosePercent(closeQty, originalQty float64) float64 {
	if originalQty <= 0 {
		return 100
	}
	pct := closeQty / originalQty * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// HandleTrade fans a trader sell out into close signals. It must run before
// the sell is inserted into the detected-trade history so the trader's net
// position still reflects the pre-close quantity.
func (g *CloseGenerator) HandleTrade(ctx context.Context, trade domain.ParsedTrade) error {
	originalQty, err := g.detected.NetPositionQuantity(ctx, trade.Trader, trade.MarketID, trade.Outcome)
	if err != nil {
		return fmt.Errorf("signal: trader position %s/%s: %w", trade.Trader, trade.MarketID, err)
	}

	closePct := ClosePercent(trade.Quantity, originalQty)

	positions, err := g.records.FindOpenPositions(ctx, trade.Trader, trade.MarketID, trade.Outcome)
	if err != nil {
		return fmt.Errorf("signal: find open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	for _, pos := range positions {
		// A position the user closed themselves in the meantime is skipped;
		// status is re-checked at execution too.
		if pos.Status != domain.TradeStatusOpen && pos.Status != domain.TradeStatusConfirmed {
			continue
		}

		sig := domain.CloseSignal{
			SignalID:       uuid.NewString(),
			UserID:         pos.UserID,
			TradeRecordID:  pos.ID,
			TraderAddress:  trade.Trader,
			OriginalTxHash: trade.TxHash,
			MarketID:       trade.MarketID,
			Outcome:        trade.Outcome,
			EntryPrice:     pos.EntryPrice,
			ExitPrice:      trade.Price,
			CloseQuantity:  pos.Quantity * closePct / 100,
			ClosePercent:   closePct,
			CreatedAt:      time.Now().UTC(),
		}

		if err := g.queue.Push(ctx, domain.ChannelCloseSignals, sig, domain.PriorityHigh); err != nil {
			return fmt.Errorf("signal: queue close signal %s: %w", sig.SignalID, err)
		}

		g.logger.Info("close signal emitted",
			slog.String("signal_id", sig.SignalID),
			slog.String("user_id", sig.UserID),
			slog.Int64("trade_record_id", sig.TradeRecordID),
			slog.Float64("close_percent", closePct),
			slog.Float64("close_quantity", sig.CloseQuantity),
		)
	}

	return nil
}
