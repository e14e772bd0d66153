package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/chain/listener"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/executor"
	"github.com/alanyoungcy/copybot/internal/executor/smart"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/platform/exchange"
	"github.com/alanyoungcy/copybot/internal/reconcile"
	"github.com/alanyoungcy/copybot/internal/risk"
	"github.com/alanyoungcy/copybot/internal/signal"
)

// ListenerMode runs the chain listener: it polls for exchange fill events and
// pushes confirmed trades onto the durable queue.
func (a *App) ListenerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting listener mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startListener(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs the signal generators, the execution workers, the risk
// manager, and the queue sweeper.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// ReconcileMode runs only the reconciliation service.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startReconciler(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the whole pipeline in one process: listener, signal
// generation, execution, risk management, and reconciliation.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startListener(ctx, g, deps)
	a.startWorkers(ctx, g, deps)
	a.startReconciler(ctx, g, deps)
	return g.Wait()
}

// startListener launches the RPC health prober and the chain poll loop. The
// listener publishes confirmed trades to the trades channel; delivery into the
// queue is what makes a detected trade durable.
func (a *App) startListener(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Chain.RunHealthChecks(ctx)
	})

	sink := listener.SinkFunc(func(ctx context.Context, trade domain.ParsedTrade) error {
		return deps.Queue.Push(ctx, domain.ChannelTrades, trade, domain.PriorityNormal)
	})

	l := listener.New(listener.Config{
		ExchangeContract:  exchangeContract(a.cfg),
		ConfirmationDepth: a.cfg.Chain.ConfirmationDepth,
		BlockBatchSize:    a.cfg.Chain.BlockBatchSize,
		PollInterval:      a.cfg.Chain.PollInterval.Duration,
		StartBlock:        a.cfg.Chain.StartBlock,
	}, deps.Chain, deps.Directory, sink, a.logger)

	g.Go(func() error {
		return l.Run(ctx)
	})
}

// startWorkers launches the trade consumer (signal generation), the open and
// close execution loops, the risk manager, and the queue sweeper.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	openGen := signal.NewOpenGenerator(signal.OpenConfig{
		BudgetWindow: a.cfg.Copy.BudgetWindow.Duration,
	}, deps.Rels, deps.Directory, deps.RiskState, deps.Queue, a.logger)
	closeGen := signal.NewCloseGenerator(deps.Records, deps.Detected, deps.Queue, a.logger)

	consumer := signal.NewConsumer(
		deps.Queue, openGen, closeGen, deps.Detected,
		a.cfg.Queue.ConsumeTimeout.Duration, a.logger,
	)
	g.Go(func() error {
		return consumer.Run(ctx)
	})

	sm := smart.New(smart.Config{
		SmallOrderUSD:  a.cfg.Smart.SmallOrderUSD,
		LargeOrderUSD:  a.cfg.Smart.LargeOrderUSD,
		MaxChunks:      a.cfg.Smart.MaxChunks,
		ChunkDelay:     a.cfg.Smart.ChunkDelay.Duration,
		MaxSlippagePct: a.cfg.Smart.MaxSlippage,
	}, a.logger)

	worker := executor.NewWorker(executor.Config{
		Workers:      a.cfg.Copy.Workers,
		SlippagePct:  a.cfg.Copy.Slippage,
		TickSize:     a.cfg.Copy.TickSize,
		ConsumeBlock: a.cfg.Queue.ConsumeTimeout.Duration,
	}, deps.Queue, deps.Records, deps.Rels, deps.Credentials, deps.Exchange, deps.RiskState, sm, a.logger)
	g.Go(func() error {
		return worker.RunOpens(ctx)
	})
	g.Go(func() error {
		return worker.RunCloses(ctx)
	})

	riskMgr := risk.NewManager(risk.Config{
		CheckInterval:        a.cfg.Risk.CheckInterval.Duration,
		FailureWindow:        a.cfg.Risk.FailureWindow.Duration,
		FailureRateThreshold: a.cfg.Risk.FailureRateThreshold,
		MaxDailyLossUSD:      a.cfg.Risk.UserDailyLossLimitUSD,
		CoolingPeriod:        a.cfg.Risk.CoolingPeriod.Duration,
		SizeSpikeFactor:      a.cfg.Risk.SpikeMultiple,
		DivestThreshold:      a.cfg.Risk.PortfolioLossFraction,
	}, deps.RiskState, deps.Records, deps.Detected, deps.Rels, deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return riskMgr.Run(ctx)
	})

	g.Go(func() error {
		return deps.Queue.RunSweeper(ctx,
			domain.ChannelTrades, domain.ChannelSignals, domain.ChannelCloseSignals)
	})

	// Live quotes for open positions, republished on the bus.
	if a.cfg.Exchange.WsURL != "" {
		monitor := feed.NewPriceMonitor(feed.Config{},
			deps.Records, exchange.NewPriceFeed(a.cfg.Exchange.WsURL), deps.SignalBus, a.logger)
		g.Go(func() error {
			return monitor.Run(ctx)
		})
	}
}

// startReconciler launches the reconciliation scan loop. When the chain pool
// is not already probed by the listener (reconcile mode), it starts the
// health checker too.
func (a *App) startReconciler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Mode == "reconcile" {
		g.Go(func() error {
			return deps.Chain.RunHealthChecks(ctx)
		})
	}

	var chain reconcile.ReceiptReader
	if deps.Chain != nil {
		chain = deps.Chain
	}
	var archiver reconcile.ReportArchiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	rc := reconcile.New(reconcile.Config{
		Interval:       a.cfg.Reconcile.Interval.Duration,
		PendingTimeout: a.cfg.Reconcile.PendingTimeout.Duration,
		MaxRetries:     a.cfg.Reconcile.MaxRetries,
		DiscrepancyPct: a.cfg.Reconcile.DiscrepancyThreshold,
		RetryDelays:    a.cfg.Reconcile.RetryDelayDurations(),
	}, deps.Records, deps.Credentials, deps.Exchange, chain, deps.LockManager, deps.Notifier, archiver, a.logger)

	g.Go(func() error {
		return rc.Run(ctx)
	})
}
