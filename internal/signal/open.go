// Package signal turns confirmed trader fills into per-follower copy
// signals: opens fan out across active relationships, closes fan out across
// matching open follower positions.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// MarketSource provides market metadata for the tradeability check.
// Implemented by exchange.MarketDirectory.
type MarketSource interface {
	Market(ctx context.Context, marketID string) (domain.Market, error)
}

// OpenConfig holds the open generator's tunables.
type OpenConfig struct {
	// BudgetWindow is the trailing window for subscription volume budgets.
	BudgetWindow time.Duration // default 30 days
}

func (c *OpenConfig) applyDefaults() {
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = 30 * 24 * time.Hour
	}
}

// OpenGenerator fans one confirmed trader buy out into zero or more
// CopyTradeSignals, one per passing relationship. A rejected relationship is
// logged with its reason and never blocks the others.
type OpenGenerator struct {
	cfg     OpenConfig
	rels    domain.RelationshipStore
	markets MarketSource
	risk    domain.RiskState
	queue   domain.Queue
	logger  *slog.Logger
}

// NewOpenGenerator creates an OpenGenerator.
func NewOpenGenerator(cfg OpenConfig, rels domain.RelationshipStore, markets MarketSource, risk domain.RiskState, queue domain.Queue, logger *slog.Logger) *OpenGenerator {
	cfg.applyDefaults()
	return &OpenGenerator{
		cfg:     cfg,
		rels:    rels,
		markets: markets,
		risk:    risk,
		queue:   queue,
		logger:  logger.With(slog.String("component", "signal.open")),
	}
}

// CopyAmount sizes one follower's copy of a trade: the trader's USD size
// scaled by the relationship factor, capped at the per-trade maximum.
func CopyAmount(originalUSD, factor, maxPerTrade float64) float64 {
	return math.Min(originalUSD*factor, maxPerTrade)
}

// HandleTrade fans a confirmed trader fill out into signals. It returns an
// error only for infrastructure failures; per-relationship rejections are
// logged and skipped.
func (g *OpenGenerator) HandleTrade(ctx context.Context, trade domain.ParsedTrade) error {
	paused, err := g.risk.TraderPaused(ctx, trade.Trader)
	if err != nil {
		return fmt.Errorf("signal: check trader paused: %w", err)
	}
	if paused {
		g.logger.Info("trade skipped, trader paused",
			slog.String("trader", trade.Trader),
			slog.String("event_id", trade.EventID()),
		)
		return nil
	}

	rels, err := g.rels.FindActiveByTrader(ctx, trade.Trader)
	if err != nil {
		return fmt.Errorf("signal: find relationships for %s: %w", trade.Trader, err)
	}
	if len(rels) == 0 {
		return nil
	}

	emitted := 0
	for _, rel := range rels {
		if reason := g.validate(ctx, trade, rel); reason != "" {
			g.logger.Info("relationship rejected",
				slog.Int64("relationship_id", rel.ID),
				slog.String("user_id", rel.UserID),
				slog.String("event_id", trade.EventID()),
				slog.String("reason", reason),
			)
			continue
		}

		sig := domain.CopyTradeSignal{
			SignalID:          uuid.NewString(),
			UserID:            rel.UserID,
			FollowerWallet:    rel.FollowerWallet,
			TraderAddress:     trade.Trader,
			OriginalTxHash:    trade.TxHash,
			OriginalLogIdx:    trade.LogIndex,
			MarketID:          trade.MarketID,
			Side:              trade.Side,
			Outcome:           trade.Outcome,
			OriginalAmountUSD: trade.TotalUSD,
			CopyAmountUSD:     CopyAmount(trade.TotalUSD, rel.Factor, rel.MaxInvestmentPerTrade),
			Factor:            rel.Factor,
			MaxPrice:          rel.MaxPrice,
			Priority:          domain.PriorityHigh,
			CreatedAt:         time.Now().UTC(),
		}

		if err := g.queue.Push(ctx, domain.ChannelSignals, sig, domain.PriorityHigh); err != nil {
			return fmt.Errorf("signal: queue signal %s: %w", sig.SignalID, err)
		}
		emitted++

		g.logger.Info("copy signal emitted",
			slog.String("signal_id", sig.SignalID),
			slog.String("user_id", sig.UserID),
			slog.String("market_id", sig.MarketID),
			slog.Float64("copy_amount_usd", sig.CopyAmountUSD),
		)
	}

	g.logger.Debug("fan-out complete",
		slog.String("event_id", trade.EventID()),
		slog.Int("relationships", len(rels)),
		slog.Int("emitted", emitted),
	)
	return nil
}

// validate applies the per-relationship gates, returning a rejection reason
// or "" when the relationship passes.
func (g *OpenGenerator) validate(ctx context.Context, trade domain.ParsedTrade, rel domain.Relationship) string {
	if rel.Status != domain.RelationshipActive {
		return "relationship not active"
	}

	cooling, err := g.risk.CoolingActive(ctx, rel.UserID)
	if err != nil {
		return fmt.Sprintf("cooling check failed: %v", err)
	}
	if cooling {
		return "user in cooling period"
	}

	copyAmount := CopyAmount(trade.TotalUSD, rel.Factor, rel.MaxInvestmentPerTrade)
	if copyAmount <= 0 {
		return "copy amount is zero"
	}

	if rel.VolumeBudgetUSD > 0 {
		used, err := g.rels.VolumeUsedSince(ctx, rel.UserID, time.Now().Add(-g.cfg.BudgetWindow))
		if err != nil {
			return fmt.Sprintf("volume lookup failed: %v", err)
		}
		if used+copyAmount > rel.VolumeBudgetUSD {
			return fmt.Sprintf("volume budget exceeded: used %.2f + %.2f > %.2f", used, copyAmount, rel.VolumeBudgetUSD)
		}
	}

	market, err := g.markets.Market(ctx, trade.MarketID)
	if err != nil {
		return fmt.Sprintf("market lookup failed: %v", err)
	}
	if !market.Tradeable() {
		return "market not tradeable"
	}

	return ""
}
