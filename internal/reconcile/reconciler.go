// Package reconcile periodically re-checks trades stuck in pending or
// submitted state against the exchange and the chain, confirms or fails
// them, and escalates records that never settle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// retryLadder spaces out re-checks of a stale record: one minute, then five,
// then fifteen. Past the ladder the record is permanently failed.
var retryLadder = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// ReceiptReader is the slice of the RPC pool reconciliation uses to verify
// settlement transactions on chain.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Notifier delivers reconciliation alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ReportArchiver stores the daily report durably.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, report Report) (string, error)
}

// Config holds the reconciliation tunables.
type Config struct {
	Interval       time.Duration // default 5m
	PendingTimeout time.Duration // default 5m before a record counts as stale
	MaxRetries     int           // default 3 re-checks before permanent failure
	ScanLimit      int           // default 200 records per pass
	DiscrepancyPct float64       // default 0.10 fill-vs-expected price flag

	// RetryDelays overrides the default re-check ladder.
	RetryDelays []time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 200
	}
	if c.DiscrepancyPct <= 0 {
		c.DiscrepancyPct = 0.10
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = retryLadder
	}
}

// Reconciler scans unsettled trade records on a fixed interval.
type Reconciler struct {
	cfg      Config
	records  domain.TradeRecordStore
	creds    domain.CredentialProvider
	exchange domain.ExchangeClientFactory
	chain    ReceiptReader      // nil disables the on-chain check
	locks    domain.LockManager // nil disables cross-process single-flight
	notifier Notifier
	archiver ReportArchiver
	logger   *slog.Logger

	now           func() time.Time
	lastReportDay string
}

// New creates a reconciler. chain, locks, notifier, and archiver are
// optional; nil disables the corresponding behavior.
func New(
	cfg Config,
	records domain.TradeRecordStore,
	creds domain.CredentialProvider,
	exchange domain.ExchangeClientFactory,
	chain ReceiptReader,
	locks domain.LockManager,
	notifier Notifier,
	archiver ReportArchiver,
	logger *slog.Logger,
) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		cfg:      cfg,
		records:  records,
		creds:    creds,
		exchange: exchange,
		chain:    chain,
		locks:    locks,
		notifier: notifier,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
}

// Run scans every Interval until the context is cancelled, and emits the
// daily report once per UTC day.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcilePending(ctx); err != nil {
				r.logger.Error("reconcile pass failed", slog.String("error", err.Error()))
			}
			r.maybeDailyReport(ctx)
		}
	}
}

// ReconcilePending reconciles every record currently in pending or submitted
// state. Single-flight across processes when a lock manager is configured.
func (r *Reconciler) ReconcilePending(ctx context.Context) error {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "reconcile:scan", r.cfg.Interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil // another process is scanning
			}
			return fmt.Errorf("reconcile: acquire lock: %w", err)
		}
		defer unlock()
	}

	records, err := r.records.ListByStatus(ctx,
		[]domain.TradeRecordStatus{domain.TradeStatusPending, domain.TradeStatusSubmitted},
		r.cfg.ScanLimit,
	)
	if err != nil {
		return fmt.Errorf("reconcile: list unsettled records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	r.logger.Debug("reconciling unsettled records", slog.Int("count", len(records)))
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.reconcileRecord(ctx, rec)
	}
	return nil
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec domain.TradeRecord) {
	log := r.logger.With(
		slog.Int64("trade_record_id", rec.ID),
		slog.String("order_id", rec.OrderID),
		slog.String("status", string(rec.Status)),
	)

	creds, err := r.creds.Credentials(ctx, rec.UserID)
	if err != nil {
		log.Error("credential resolve failed", slog.String("error", err.Error()))
		return
	}
	client := r.exchange.ClientFor(creds)

	state, err := client.GetOrderStatus(ctx, rec.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Exchange no longer knows the order: walk the retry ladder.
			r.escalateStale(ctx, log, rec)
			return
		}
		log.Warn("order status fetch failed", slog.String("error", err.Error()))
		return
	}

	switch state.Status {
	case domain.ExecStatusFilled, domain.ExecStatusPartiallyFilled:
		r.confirm(ctx, log, rec, state)
	case domain.ExecStatusRejected:
		if err := r.records.UpdateStatus(ctx, rec.ID, rec.Status, domain.TradeStatusFailed); err != nil {
			log.Error("mark failed errored", slog.String("error", err.Error()))
			return
		}
		log.Warn("order rejected by exchange, record failed")
	default:
		r.escalateStale(ctx, log, rec)
	}
}

// confirm transitions a filled record to confirmed, flagging fill prices
// that drifted beyond the discrepancy threshold and recording the on-chain
// confirmation block when a settlement transaction is known.
func (r *Reconciler) confirm(ctx context.Context, log *slog.Logger, rec domain.TradeRecord, state domain.OrderState) {
	discrepancy := false
	if rec.EntryPrice > 0 && state.AvgFillPrice > 0 {
		drift := math.Abs(state.AvgFillPrice-rec.EntryPrice) / rec.EntryPrice
		discrepancy = drift > r.cfg.DiscrepancyPct
		if discrepancy {
			log.Warn("fill price discrepancy",
				slog.Float64("expected", rec.EntryPrice),
				slog.Float64("actual", state.AvgFillPrice),
				slog.Float64("drift", drift),
			)
		}
	}

	var block uint64
	txHash := rec.ExchangeTxHash
	if txHash == "" {
		txHash = state.ExchangeTxHash
	}
	if r.chain != nil && txHash != "" {
		receipt, err := r.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
		switch {
		case err != nil:
			log.Warn("receipt lookup failed", slog.String("error", err.Error()))
		case receipt.Status != types.ReceiptStatusSuccessful:
			log.Warn("settlement transaction reverted on chain",
				slog.String("tx_hash", txHash),
			)
			discrepancy = true
		default:
			block = receipt.BlockNumber.Uint64()
		}
	}

	if err := r.records.MarkConfirmed(ctx, rec.ID, block, discrepancy); err != nil {
		log.Error("mark confirmed failed", slog.String("error", err.Error()))
		return
	}
	log.Info("trade confirmed",
		slog.Uint64("confirmation_block", block),
		slog.Bool("price_discrepancy", discrepancy),
	)
}

// escalateStale walks a still-unsettled record up the retry ladder and
// permanently fails it once the ladder is exhausted.
func (r *Reconciler) escalateStale(ctx context.Context, log *slog.Logger, rec domain.TradeRecord) {
	age := r.now().Sub(rec.CreatedAt)
	if age < r.cfg.PendingTimeout {
		return // too fresh to worry about
	}
	if r.now().Sub(rec.UpdatedAt) < ladderDelay(r.cfg.RetryDelays, rec.RetryCount) {
		return // next re-check not due yet
	}

	retries, err := r.records.IncrementRetry(ctx, rec.ID)
	if err != nil {
		log.Error("increment retry failed", slog.String("error", err.Error()))
		return
	}
	if retries < r.cfg.MaxRetries {
		log.Info("unsettled record re-checked",
			slog.Int("retries", retries),
			slog.Duration("age", age),
		)
		return
	}

	if err := r.records.UpdateStatus(ctx, rec.ID, rec.Status, domain.TradeStatusPermanentlyFailed); err != nil {
		log.Error("mark permanently failed errored", slog.String("error", err.Error()))
		return
	}
	log.Error("record permanently failed after retry ladder",
		slog.Int("retries", retries),
		slog.Duration("age", age),
	)
	if r.notifier != nil {
		msg := fmt.Sprintf("Trade record %d (order %s, user %s) never settled after %d re-checks; marked permanently failed.",
			rec.ID, rec.OrderID, rec.UserID, retries)
		if err := r.notifier.Notify(ctx, "permanent_failure", "Trade permanently failed", msg); err != nil {
			log.Error("notify failed", slog.String("error", err.Error()))
		}
	}
}

// ladderDelay returns the wait before re-check number n+1, clamped to the
// ladder's last rung.
func ladderDelay(ladder []time.Duration, n int) time.Duration {
	if n >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[n]
}
