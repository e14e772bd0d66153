// Package executor drains the signal queues and turns signals into exchange
// orders: idempotency-checked, credential-resolved, priced, and submitted
// through the smart order executor, with per-category error recovery.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/executor/smart"
)

// Config holds the worker's tunables.
type Config struct {
	Workers      int           // concurrent consumers per channel, default 4
	SlippagePct  float64       // limit price offset, default 0.02
	TickSize     float64       // quantity/price rounding, default 0.01
	ConsumeBlock time.Duration // queue pop timeout, default 5s
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SlippagePct <= 0 {
		c.SlippagePct = 0.02
	}
	if c.TickSize <= 0 {
		c.TickSize = 0.01
	}
	if c.ConsumeBlock <= 0 {
		c.ConsumeBlock = 5 * time.Second
	}
}

// Worker consumes the signals and close-signals channels.
type Worker struct {
	cfg      Config
	queue    domain.Queue
	records  domain.TradeRecordStore
	rels     domain.RelationshipStore
	creds    domain.CredentialProvider
	exchange domain.ExchangeClientFactory
	risk     domain.RiskState
	smart    *smart.Executor
	dedup    *Dedup
	logger   *slog.Logger
}

// NewWorker creates an execution worker.
func NewWorker(
	cfg Config,
	queue domain.Queue,
	records domain.TradeRecordStore,
	rels domain.RelationshipStore,
	creds domain.CredentialProvider,
	exchange domain.ExchangeClientFactory,
	risk domain.RiskState,
	sm *smart.Executor,
	logger *slog.Logger,
) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		records:  records,
		rels:     rels,
		creds:    creds,
		exchange: exchange,
		risk:     risk,
		smart:    sm,
		dedup:    NewDedup(2 * time.Minute),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// RunOpens consumes the signals channel with cfg.Workers concurrent
// consumers until the context is cancelled.
func (w *Worker) RunOpens(ctx context.Context) error {
	return w.runPool(ctx, domain.ChannelSignals, w.processOpen)
}

// RunCloses consumes the close-signals channel with cfg.Workers concurrent
// consumers until the context is cancelled.
func (w *Worker) RunCloses(ctx context.Context) error {
	return w.runPool(ctx, domain.ChannelCloseSignals, w.processClose)
}

// runPool fans the channel out to cfg.Workers consume loops.
func (w *Worker) runPool(ctx context.Context, channel string, process func(context.Context, *domain.QueueItem) (outcome, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			return w.runLoop(ctx, channel, process)
		})
	}
	return g.Wait()
}

// outcome tells runLoop how to settle a claimed item.
type outcome int

const (
	outcomeCompleted outcome = iota // ack
	outcomeRequeue                  // return untouched (breaker, shutdown)
	outcomeRetry                    // count a retry
	outcomeDead                     // dead-letter immediately
)

func (w *Worker) runLoop(ctx context.Context, channel string, process func(context.Context, *domain.QueueItem) (outcome, error)) error {
	w.logger.Info("worker loop started", slog.String("channel", channel))
	defer w.logger.Info("worker loop stopped", slog.String("channel", channel))

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanupTicker.C:
			w.dedup.Cleanup()
		default:
		}

		item, err := w.queue.Consume(ctx, channel, w.cfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("consume failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		if item == nil {
			continue
		}

		res, procErr := process(ctx, item)

		// Settle with a background-derived context so a cancelled ctx still
		// lets the claim be returned instead of leaking until the TTL sweep.
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		switch res {
		case outcomeCompleted:
			err = w.queue.MarkCompleted(settleCtx, item)
		case outcomeRequeue:
			err = w.queue.Requeue(settleCtx, item)
		case outcomeRetry:
			err = w.queue.MarkFailed(settleCtx, item, procErr, true)
		case outcomeDead:
			err = w.queue.MarkFailed(settleCtx, item, procErr, false)
		}
		cancel()
		if err != nil {
			w.logger.Error("settle failed",
				slog.String("channel", channel),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// --------------------------------------------------------------------------
// Open signals
// --------------------------------------------------------------------------

func (w *Worker) processOpen(ctx context.Context, item *domain.QueueItem) (res outcome, err error) {
	var sig domain.CopyTradeSignal
	if err := json.Unmarshal(item.Envelope.Payload, &sig); err != nil {
		return outcomeDead, fmt.Errorf("executor: unmarshal signal: %w", err)
	}

	// An attempt that will be redelivered must not be swallowed by its own
	// dedup entry.
	defer func() {
		if res == outcomeRetry || res == outcomeRequeue {
			w.dedup.Forget(sig.SignalID)
		}
	}()

	log := w.logger.With(
		slog.String("signal_id", sig.SignalID),
		slog.String("user_id", sig.UserID),
		slog.String("market_id", sig.MarketID),
	)

	// Breaker gate: never attempt, never count a retry.
	breaker, err := w.risk.Breaker(ctx)
	if err != nil {
		return outcomeRetry, fmt.Errorf("executor: breaker check: %w", err)
	}
	if breaker.Active {
		log.Warn("circuit breaker active, requeueing signal",
			slog.String("reason", string(breaker.Reason)),
		)
		return outcomeRequeue, nil
	}

	// In-process dedup absorbs rapid redeliveries before the store check.
	if w.dedup.IsDuplicate(sig.SignalID) {
		log.Debug("signal deduplicated, skipping")
		return outcomeCompleted, nil
	}

	// Idempotency: at most one record per (originalTxHash, userId).
	_, err = w.records.FindByOriginalTxAndUser(ctx, sig.OriginalTxHash, sig.UserID)
	if err == nil {
		log.Info("trade already recorded, skipping redelivery")
		return outcomeCompleted, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return outcomeRetry, fmt.Errorf("executor: idempotency check: %w", err)
	}

	// Credentials resolve fail-closed.
	creds, err := w.creds.Credentials(ctx, sig.UserID)
	if err != nil {
		return w.recoverFrom(ctx, log, sig, &domain.CategorizedError{
			Category: domain.ExecErrInvalidAPIKeys,
			Err:      fmt.Errorf("executor: resolve credentials: %w", err),
		})
	}
	client := w.exchange.ClientFor(creds)

	// Pricing.
	prices, err := client.GetMarketPrices(ctx, sig.MarketID)
	if err != nil {
		return w.recoverFrom(ctx, log, sig, err)
	}
	price := prices.For(sig.Outcome)
	if price <= 0 {
		return outcomeRetry, fmt.Errorf("executor: no price for %s/%s", sig.MarketID, sig.Outcome)
	}
	if sig.MaxPrice != nil && price > *sig.MaxPrice {
		log.Info("price above relationship ceiling, skipping",
			slog.Float64("price", price),
			slog.Float64("max_price", *sig.MaxPrice),
		)
		return outcomeCompleted, nil
	}

	quantity := roundDownToTick(sig.CopyAmountUSD/price, w.cfg.TickSize)
	if quantity <= 0 {
		log.Info("copy amount rounds to zero quantity, skipping")
		return outcomeCompleted, nil
	}
	limit := limitPrice(price, sig.Side, w.cfg.SlippagePct)

	result, err := w.smart.Execute(ctx, client, smart.Request{
		MarketID:   sig.MarketID,
		Outcome:    sig.Outcome,
		Side:       sig.Side,
		Quantity:   quantity,
		AmountUSD:  sig.CopyAmountUSD,
		LimitPrice: limit,
	})
	if err != nil {
		return w.recoverFrom(ctx, log, sig, err)
	}
	if !result.Success {
		return w.recoverFrom(ctx, log, sig, &domain.CategorizedError{
			Category: result.ErrorCategory,
			Err:      fmt.Errorf("executor: order not filled: %s", result.Message),
		})
	}

	status := domain.TradeStatusOpen
	if result.Status == domain.ExecStatusSubmitted {
		status = domain.TradeStatusSubmitted
	}

	rec := domain.TradeRecord{
		UserID:         sig.UserID,
		TraderAddress:  sig.TraderAddress,
		OriginalTxHash: sig.OriginalTxHash,
		OriginalLogIdx: sig.OriginalLogIdx,
		SignalID:       sig.SignalID,
		MarketID:       sig.MarketID,
		Side:           sig.Side,
		Outcome:        sig.Outcome,
		Quantity:       result.FilledQuantity,
		EntryPrice:     result.AvgFillPrice,
		EntryValueUSD:  result.FilledQuantity * result.AvgFillPrice,
		OrderID:        result.OrderID,
		ExchangeTxHash: result.ExchangeTxHash,
		Status:         status,
	}
	id, err := w.records.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.Info("concurrent execution already recorded this trade")
			return outcomeCompleted, nil
		}
		return outcomeRetry, fmt.Errorf("executor: create trade record: %w", err)
	}

	w.recordOutcome(ctx, true)
	log.Info("copy trade executed",
		slog.Int64("trade_record_id", id),
		slog.String("order_id", result.OrderID),
		slog.Float64("filled_quantity", result.FilledQuantity),
		slog.Float64("avg_fill_price", result.AvgFillPrice),
		slog.Int("chunks", result.Chunks),
		slog.Bool("slippage_warned", result.SlippageWarned),
	)
	return outcomeCompleted, nil
}

// recoverFrom maps an execution failure to its per-category recovery action.
func (w *Worker) recoverFrom(ctx context.Context, log *slog.Logger, sig domain.CopyTradeSignal, err error) (outcome, error) {
	category := domain.ClassifyExecError(err)

	switch category {
	case domain.ExecErrInsufficientFunds:
		log.Warn("insufficient funds, pausing user relationships", slog.String("error", err.Error()))
		if pErr := w.rels.PauseAllForUser(ctx, sig.UserID, "insufficient funds"); pErr != nil {
			log.Error("pause relationships failed", slog.String("error", pErr.Error()))
		}
		return outcomeDead, err

	case domain.ExecErrInvalidAPIKeys:
		log.Warn("invalid api keys, pausing user relationships", slog.String("error", err.Error()))
		if pErr := w.rels.PauseAllForUser(ctx, sig.UserID, "invalid api keys"); pErr != nil {
			log.Error("pause relationships failed", slog.String("error", pErr.Error()))
		}
		return outcomeDead, err

	case domain.ExecErrMarketClosed:
		// Counted but not alarming; the market resolved before we copied.
		log.Info("market closed before execution, skipping", slog.String("error", err.Error()))
		return outcomeCompleted, nil

	case domain.ExecErrRateLimit, domain.ExecErrNetwork:
		log.Warn("transient execution failure, retrying", slog.String("error", err.Error()))
		return outcomeRetry, err

	default:
		// order_rejected feeds the breaker's failure window and is not
		// retried: the exchange already said no to this exact order.
		w.recordOutcome(ctx, false)
		log.Warn("order rejected", slog.String("error", err.Error()))
		return outcomeDead, err
	}
}

// --------------------------------------------------------------------------
// Close signals
// --------------------------------------------------------------------------

func (w *Worker) processClose(ctx context.Context, item *domain.QueueItem) (res outcome, err error) {
	var sig domain.CloseSignal
	if err := json.Unmarshal(item.Envelope.Payload, &sig); err != nil {
		return outcomeDead, fmt.Errorf("executor: unmarshal close signal: %w", err)
	}

	defer func() {
		if res == outcomeRetry || res == outcomeRequeue {
			w.dedup.Forget(sig.SignalID)
		}
	}()

	log := w.logger.With(
		slog.String("signal_id", sig.SignalID),
		slog.Int64("trade_record_id", sig.TradeRecordID),
		slog.String("user_id", sig.UserID),
	)

	breaker, err := w.risk.Breaker(ctx)
	if err != nil {
		return outcomeRetry, fmt.Errorf("executor: breaker check: %w", err)
	}
	if breaker.Active {
		log.Warn("circuit breaker active, requeueing close signal")
		return outcomeRequeue, nil
	}

	if w.dedup.IsDuplicate(sig.SignalID) {
		log.Debug("close signal deduplicated, skipping")
		return outcomeCompleted, nil
	}

	rec, err := w.records.GetByID(ctx, sig.TradeRecordID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("trade record vanished, skipping close")
			return outcomeCompleted, nil
		}
		return outcomeRetry, fmt.Errorf("executor: load trade record: %w", err)
	}
	// The user may have closed it themselves since the signal was generated.
	if rec.Status != domain.TradeStatusOpen && rec.Status != domain.TradeStatusConfirmed {
		log.Info("position no longer open, skipping close",
			slog.String("status", string(rec.Status)),
		)
		return outcomeCompleted, nil
	}

	creds, err := w.creds.Credentials(ctx, sig.UserID)
	if err != nil {
		return outcomeDead, fmt.Errorf("executor: resolve credentials: %w", err)
	}
	client := w.exchange.ClientFor(creds)

	closeQty := roundDownToTick(sig.CloseQuantity, w.cfg.TickSize)
	if sig.FullClose() || closeQty >= rec.Quantity {
		closeQty = rec.Quantity
	}
	if closeQty <= 0 {
		log.Info("close quantity rounds to zero, skipping")
		return outcomeCompleted, nil
	}

	limit := limitPrice(sig.ExitPrice, domain.TradeSideSell, w.cfg.SlippagePct)

	result, err := w.smart.Execute(ctx, client, smart.Request{
		MarketID:   sig.MarketID,
		Outcome:    sig.Outcome,
		Side:       domain.TradeSideSell,
		Quantity:   closeQty,
		AmountUSD:  closeQty * sig.ExitPrice,
		LimitPrice: limit,
	})
	if err != nil {
		if domain.ClassifyExecError(err).Retryable() {
			return outcomeRetry, err
		}
		w.recordOutcome(ctx, false)
		return outcomeDead, err
	}
	if !result.Success {
		w.recordOutcome(ctx, false)
		return outcomeRetry, fmt.Errorf("executor: close unfilled: %s", result.Message)
	}

	if err := w.settleClose(ctx, rec, result); err != nil {
		return outcomeRetry, err
	}

	w.recordOutcome(ctx, true)
	log.Info("position closed",
		slog.Float64("closed_quantity", result.FilledQuantity),
		slog.Float64("exit_price", result.AvgFillPrice),
		slog.Float64("close_percent", sig.ClosePercent),
	)
	return outcomeCompleted, nil
}

// settleClose applies lot accounting: a full close transitions the record;
// a partial close splits a closed lot off and shrinks the original.
func (w *Worker) settleClose(ctx context.Context, rec domain.TradeRecord, result domain.ExecutionResult) error {
	closedQty := result.FilledQuantity
	exitPrice := result.AvgFillPrice
	exitValue := closedQty * exitPrice
	pnl := domain.RealizedPnLFor(rec.Side, rec.EntryPrice, exitPrice, closedQty)
	now := time.Now().UTC()

	// Rounding tolerance: treat a near-total fill as closing the whole lot.
	if closedQty >= rec.Quantity*0.99 {
		if err := w.records.CloseLot(ctx, rec.ID, exitPrice, exitValue, pnl, now); err != nil {
			return fmt.Errorf("executor: close lot: %w", err)
		}
		return nil
	}

	// Partial: split off a closed lot, then shrink the original. The split
	// carries no signal id so it stays out of the idempotency index.
	lot := rec
	lot.ID = 0
	lot.SignalID = ""
	lot.Quantity = closedQty
	lot.EntryValueUSD = closedQty * rec.EntryPrice
	lot.Status = domain.TradeStatusOpen
	lotID, err := w.records.Create(ctx, lot)
	if err != nil {
		return fmt.Errorf("executor: split closed lot: %w", err)
	}
	if err := w.records.CloseLot(ctx, lotID, exitPrice, exitValue, pnl, now); err != nil {
		return fmt.Errorf("executor: close split lot: %w", err)
	}

	remaining := rec.Quantity - closedQty
	if err := w.records.ReduceQuantity(ctx, rec.ID, remaining, remaining*rec.EntryPrice); err != nil {
		return fmt.Errorf("executor: reduce original lot: %w", err)
	}
	return nil
}

func (w *Worker) recordOutcome(ctx context.Context, success bool) {
	if err := w.risk.RecordOutcome(ctx, success); err != nil {
		w.logger.Error("record outcome failed", slog.String("error", err.Error()))
	}
}

// roundDownToTick floors v to the nearest tick multiple.
func roundDownToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Floor(v/tick) * tick
}

// limitPrice offsets the reference price by the slippage allowance: up for
// buys, down for sells, clamped to [0,1].
func limitPrice(price float64, side domain.TradeSide, slip float64) float64 {
	var p float64
	if side == domain.TradeSideSell {
		p = price * (1 - slip)
	} else {
		p = price * (1 + slip)
	}
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}
