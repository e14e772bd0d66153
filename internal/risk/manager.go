// Package risk runs the supervisory loops that can halt the pipeline: a
// failure-rate circuit breaker, a per-user daily-loss monitor, and a
// followed-trader anomaly watchdog. State lives in a shared store so every
// worker process observes trips and pauses without polling the database.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// EventChannel is the pub/sub channel breaker and pause events are published
// on.
const EventChannel = "risk:events"

// Event is the wire form of a risk state change.
type Event struct {
	Type    string    `json:"type"` // breaker_tripped, breaker_reset, trader_paused, user_cooling
	Reason  string    `json:"reason,omitempty"`
	Subject string    `json:"subject,omitempty"` // trader address or user id
	At      time.Time `json:"at"`
}

// Notifier is the slice of the notification system the risk manager uses.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the tunable thresholds for the three supervisory loops.
type Config struct {
	CheckInterval time.Duration // default 60s

	// Failure-rate monitor.
	FailureWindow        time.Duration // default 1h
	FailureRateThreshold float64       // default 0.50
	MinSamples           int64         // default 10, below which the rate is noise

	// Per-user loss monitor.
	MaxDailyLossUSD float64       // default 500
	CoolingPeriod   time.Duration // default 24h

	// Trader watchdog.
	SizeSpikeFactor   float64       // default 10: recent avg vs prior avg
	DivestThreshold   float64       // default 0.50: single-day outflow vs est. portfolio
	PortfolioEstimate time.Duration // default 30 days of buy volume
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Hour
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.50
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.MaxDailyLossUSD <= 0 {
		c.MaxDailyLossUSD = 500
	}
	if c.CoolingPeriod <= 0 {
		c.CoolingPeriod = 24 * time.Hour
	}
	if c.SizeSpikeFactor <= 0 {
		c.SizeSpikeFactor = 10
	}
	if c.DivestThreshold <= 0 {
		c.DivestThreshold = 0.50
	}
	if c.PortfolioEstimate <= 0 {
		c.PortfolioEstimate = 30 * 24 * time.Hour
	}
}

// Manager evaluates risk conditions on a fixed interval and mutates the
// shared risk state. It is the single writer; executors only read.
type Manager struct {
	cfg      Config
	state    domain.RiskState
	records  domain.TradeRecordStore
	detected domain.DetectedTradeStore
	rels     domain.RelationshipStore
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger

	now func() time.Time
}

// NewManager creates a risk manager. bus and notifier may be nil; events are
// then only logged.
func NewManager(
	cfg Config,
	state domain.RiskState,
	records domain.TradeRecordStore,
	detected domain.DetectedTradeStore,
	rels domain.RelationshipStore,
	bus domain.SignalBus,
	notifier Notifier,
	logger *slog.Logger,
) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		state:    state,
		records:  records,
		detected: detected,
		rels:     rels,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "risk")),
		now:      time.Now,
	}
}

// Run evaluates all three loops every CheckInterval until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("risk manager started",
		slog.Duration("check_interval", m.cfg.CheckInterval),
		slog.Float64("failure_rate_threshold", m.cfg.FailureRateThreshold),
	)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk manager stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.CheckFailureRate(ctx); err != nil {
				m.logger.Error("failure-rate check failed", slog.String("error", err.Error()))
			}
			if err := m.CheckUserLosses(ctx); err != nil {
				m.logger.Error("user-loss check failed", slog.String("error", err.Error()))
			}
			if err := m.CheckTraders(ctx); err != nil {
				m.logger.Error("trader watchdog failed", slog.String("error", err.Error()))
			}
		}
	}
}

// CheckFailureRate trips the global breaker when the rolling failure rate
// crosses the threshold with enough samples behind it.
func (m *Manager) CheckFailureRate(ctx context.Context) error {
	breaker, err := m.state.Breaker(ctx)
	if err != nil {
		return fmt.Errorf("risk: read breaker: %w", err)
	}
	if breaker.Active {
		return nil // already tripped, waits for manual reset
	}

	failed, total, err := m.state.OutcomeCounts(ctx, m.cfg.FailureWindow)
	if err != nil {
		return fmt.Errorf("risk: outcome counts: %w", err)
	}
	if total < m.cfg.MinSamples {
		return nil
	}

	rate := float64(failed) / float64(total)
	if rate <= m.cfg.FailureRateThreshold {
		return nil
	}

	m.logger.Error("failure rate above threshold, tripping circuit breaker",
		slog.Int64("failed", failed),
		slog.Int64("total", total),
		slog.Float64("rate", rate),
	)
	if err := m.state.TripBreaker(ctx, domain.BreakerHighFailureRate, "risk-manager"); err != nil {
		return fmt.Errorf("risk: trip breaker: %w", err)
	}
	m.emit(ctx, Event{Type: "breaker_tripped", Reason: string(domain.BreakerHighFailureRate), At: m.now()},
		"breaker_tripped",
		"Circuit breaker tripped",
		fmt.Sprintf("Execution failure rate %.0f%% over the last %s (%d/%d). All copy trading halted until manual reset.",
			rate*100, m.cfg.FailureWindow, failed, total),
	)
	return nil
}

// ResetBreaker clears the global breaker. Operator-initiated.
func (m *Manager) ResetBreaker(ctx context.Context, by string) error {
	if err := m.state.ResetBreaker(ctx); err != nil {
		return fmt.Errorf("risk: reset breaker: %w", err)
	}
	m.logger.Info("circuit breaker reset", slog.String("by", by))
	m.emit(ctx, Event{Type: "breaker_reset", Subject: by, At: m.now()},
		"breaker_reset",
		"Circuit breaker reset",
		fmt.Sprintf("Copy trading resumed by %s.", by),
	)
	return nil
}

// CheckUserLosses applies a cooling period to every user whose realized loss
// today exceeds the configured limit.
func (m *Manager) CheckUserLosses(ctx context.Context) error {
	users, err := m.rels.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("risk: list active users: %w", err)
	}

	midnight := m.startOfDay()
	for _, userID := range users {
		cooling, err := m.state.CoolingActive(ctx, userID)
		if err != nil {
			m.logger.Error("cooling lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if cooling {
			continue
		}

		pnl, err := m.records.RealizedPnLSince(ctx, userID, midnight)
		if err != nil {
			m.logger.Error("realized pnl lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if pnl >= -m.cfg.MaxDailyLossUSD {
			continue
		}

		reason := fmt.Sprintf("daily loss $%.2f exceeds limit $%.2f", -pnl, m.cfg.MaxDailyLossUSD)
		m.logger.Warn("daily loss limit exceeded, starting cooling period",
			slog.String("user_id", userID),
			slog.Float64("realized_pnl", pnl),
		)
		if err := m.state.StartCooling(ctx, userID, m.cfg.CoolingPeriod, reason); err != nil {
			m.logger.Error("start cooling failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.emit(ctx, Event{Type: "user_cooling", Reason: reason, Subject: userID, At: m.now()},
			"user_cooling",
			"User cooling period started",
			fmt.Sprintf("User %s lost $%.2f today; new signals suppressed for %s.", userID, -pnl, m.cfg.CoolingPeriod),
		)
	}
	return nil
}

// CheckTraders pauses followed traders exhibiting anomalous behavior: a sharp
// spike in trade size versus their own history, or dumping most of their
// estimated holdings in a single day.
func (m *Manager) CheckTraders(ctx context.Context) error {
	now := m.now()
	traders, err := m.detected.ActiveTraders(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("risk: list active traders: %w", err)
	}

	for _, trader := range traders {
		paused, err := m.state.TraderPaused(ctx, trader)
		if err != nil {
			m.logger.Error("trader pause lookup failed",
				slog.String("trader", trader),
				slog.String("error", err.Error()),
			)
			continue
		}
		if paused {
			continue
		}

		if reason := m.evaluateTrader(ctx, trader, now); reason != "" {
			m.logger.Warn("pausing suspicious trader",
				slog.String("trader", trader),
				slog.String("reason", reason),
			)
			if err := m.state.PauseTrader(ctx, trader, reason); err != nil {
				m.logger.Error("pause trader failed",
					slog.String("trader", trader),
					slog.String("error", err.Error()),
				)
				continue
			}
			m.emit(ctx, Event{Type: "trader_paused", Reason: reason, Subject: trader, At: now},
				"trader_paused",
				"Followed trader paused",
				fmt.Sprintf("Trader %s paused: %s. Copying resumes only after manual review.", trader, reason),
			)
		}
	}
	return nil
}

// evaluateTrader returns a pause reason, or "" when the trader looks normal.
func (m *Manager) evaluateTrader(ctx context.Context, trader string, now time.Time) string {
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	recent, err := m.detected.AvgTradeSizeUSD(ctx, trader, dayAgo, now)
	if err != nil {
		m.logger.Error("avg trade size lookup failed",
			slog.String("trader", trader),
			slog.String("error", err.Error()),
		)
		return ""
	}
	prior, err := m.detected.AvgTradeSizeUSD(ctx, trader, weekAgo, dayAgo)
	if err != nil {
		m.logger.Error("avg trade size lookup failed",
			slog.String("trader", trader),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if prior > 0 && recent > prior*m.cfg.SizeSpikeFactor {
		return fmt.Sprintf("trade size spike: 24h avg $%.2f vs 7d avg $%.2f", recent, prior)
	}

	// Portfolio value is estimated from trailing buy volume; a single-day net
	// outflow above the threshold fraction of it reads as panic liquidation.
	portfolio, err := m.detected.BuyVolumeUSD(ctx, trader, now.Add(-m.cfg.PortfolioEstimate), now)
	if err != nil {
		m.logger.Error("buy volume lookup failed",
			slog.String("trader", trader),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if portfolio <= 0 {
		return ""
	}
	netFlow, err := m.detected.NetFlowUSD(ctx, trader, m.startOfDay(), now)
	if err != nil {
		m.logger.Error("net flow lookup failed",
			slog.String("trader", trader),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if netFlow < 0 && math.Abs(netFlow) > portfolio*m.cfg.DivestThreshold {
		return fmt.Sprintf("single-day outflow $%.2f exceeds %.0f%% of estimated portfolio $%.2f",
			math.Abs(netFlow), m.cfg.DivestThreshold*100, portfolio)
	}
	return ""
}

// emit publishes a risk event on the bus and notifies operators. Both are
// best-effort.
func (m *Manager) emit(ctx context.Context, ev Event, notifyEvent, title, message string) {
	if m.bus != nil {
		raw, err := json.Marshal(ev)
		if err == nil {
			if err := m.bus.Publish(ctx, EventChannel, raw); err != nil {
				m.logger.Error("publish risk event failed", slog.String("error", err.Error()))
			}
		}
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, notifyEvent, title, message); err != nil {
			m.logger.Error("notify failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) startOfDay() time.Time {
	now := m.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
