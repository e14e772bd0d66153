// Package feed keeps live exchange quotes flowing for markets the bot holds
// positions in. Quote updates are published on the signal bus so any process
// can observe them without its own feed connection.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/platform/exchange"
)

// PricesChannel carries live quote updates on the signal bus.
const PricesChannel = "prices"

// QuoteFeed is the slice of the exchange feed client the monitor uses.
// Satisfied by exchange.PriceFeed.
type QuoteFeed interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, marketIDs []string) error
	OnPrice(handler exchange.PriceHandler)
	Close() error
}

// Config holds the monitor's tunables.
type Config struct {
	// RefreshInterval is how often the open-position market set is rescanned.
	RefreshInterval time.Duration // default 60s
	// ScanLimit bounds the open-record scan per refresh.
	ScanLimit int // default 500
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 500
	}
}

// PriceMonitor subscribes the quote feed to every market with an open
// follower position and republishes each update on the signal bus.
type PriceMonitor struct {
	cfg     Config
	records domain.TradeRecordStore
	feed    QuoteFeed
	bus     domain.SignalBus
	logger  *slog.Logger

	subscribed map[string]bool
}

// NewPriceMonitor creates a PriceMonitor.
func NewPriceMonitor(cfg Config, records domain.TradeRecordStore, feed QuoteFeed, bus domain.SignalBus, logger *slog.Logger) *PriceMonitor {
	cfg.applyDefaults()
	return &PriceMonitor{
		cfg:        cfg,
		records:    records,
		feed:       feed,
		bus:        bus,
		logger:     logger.With(slog.String("component", "feed")),
		subscribed: make(map[string]bool),
	}
}

// Run connects the feed and keeps subscriptions aligned with open positions
// until the context is cancelled.
func (m *PriceMonitor) Run(ctx context.Context) error {
	m.feed.OnPrice(func(prices domain.MarketPrices) {
		m.publish(ctx, prices)
	})

	if err := m.feed.Connect(ctx); err != nil {
		return err
	}
	defer m.feed.Close()

	if err := m.refresh(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial subscription refresh failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.WarnContext(ctx, "subscription refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// refresh scans open positions and subscribes to any market not yet watched.
// The feed has no unsubscribe; stale markets simply stop mattering once their
// positions close, and the set resets with the process.
func (m *PriceMonitor) refresh(ctx context.Context) error {
	recs, err := m.records.ListByStatus(ctx,
		[]domain.TradeRecordStatus{domain.TradeStatusOpen, domain.TradeStatusConfirmed},
		m.cfg.ScanLimit)
	if err != nil {
		return err
	}

	var fresh []string
	for _, rec := range recs {
		if !m.subscribed[rec.MarketID] {
			m.subscribed[rec.MarketID] = true
			fresh = append(fresh, rec.MarketID)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.Strings(fresh)

	if err := m.feed.Subscribe(ctx, fresh); err != nil {
		// Roll back so the next refresh retries them.
		for _, id := range fresh {
			delete(m.subscribed, id)
		}
		return err
	}

	m.logger.InfoContext(ctx, "subscribed to markets",
		slog.Int("count", len(fresh)),
		slog.Int("total", len(m.subscribed)),
	)
	return nil
}

func (m *PriceMonitor) publish(ctx context.Context, prices domain.MarketPrices) {
	payload, err := json.Marshal(prices)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, PricesChannel, payload); err != nil {
		m.logger.WarnContext(ctx, "publish quote failed",
			slog.String("market", prices.MarketID),
			slog.String("error", err.Error()),
		)
	}
}
