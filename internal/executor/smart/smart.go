// Package smart places orders with book-aware sizing: it estimates VWAP and
// slippage from the live order book, decides between a single order and a
// chunked sequence, and aggregates fills across chunks.
package smart

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// slippageWarnFactor flags (but does not abort) a chunk whose live slippage
// grew beyond this multiple of the original estimate.
const slippageWarnFactor = 1.5

// Config holds the order-splitting thresholds.
type Config struct {
	SmallOrderUSD  float64       // below this, a single market-style order; default $100
	LargeOrderUSD  float64       // above this, always chunked; default $1000
	MaxChunks      int           // default 10
	ChunkDelay     time.Duration // pause between chunks, default 30s
	MaxSlippagePct float64       // estimated slippage above this forces chunking, default 0.05
}

func (c *Config) applyDefaults() {
	if c.SmallOrderUSD <= 0 {
		c.SmallOrderUSD = 100
	}
	if c.LargeOrderUSD <= 0 {
		c.LargeOrderUSD = 1000
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 10
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 30 * time.Second
	}
	if c.MaxSlippagePct <= 0 {
		c.MaxSlippagePct = 0.05
	}
}

// Request describes one order to place.
type Request struct {
	MarketID   string
	Outcome    domain.Outcome
	Side       domain.TradeSide
	Quantity   float64
	AmountUSD  float64
	LimitPrice float64 // per-chunk limit price
}

// Estimate is the book-derived cost projection for a requested quantity.
type Estimate struct {
	VWAP        float64
	BestPrice   float64
	SlippagePct float64
	FillableQty float64 // quantity the book can absorb
	FullDepth   bool    // book covers the full request
}

// VWAP walks the book from the best price outward, accumulating levels until
// the requested quantity is satisfied or the book is exhausted.
func VWAP(levels []domain.BookLevel, quantity float64) Estimate {
	if len(levels) == 0 || quantity <= 0 {
		return Estimate{}
	}

	est := Estimate{BestPrice: levels[0].Price}

	remaining := quantity
	cost := 0.0
	filled := 0.0
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Size)
		cost += take * lvl.Price
		filled += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}

	if filled > 0 {
		est.VWAP = cost / filled
		if est.BestPrice > 0 {
			est.SlippagePct = math.Abs(est.VWAP-est.BestPrice) / est.BestPrice
		}
	}
	est.FillableQty = filled
	est.FullDepth = remaining <= 0
	return est
}

// Plan is the splitting decision for one request.
type Plan struct {
	Chunks   int
	Estimate Estimate
}

// PlanChunks applies the decision table: thin books and high estimated
// slippage force splitting, small orders stay whole, and large orders are
// chunked proportionally to their size.
func PlanChunks(cfg Config, est Estimate, amountUSD float64) Plan {
	cfg.applyDefaults()

	chunks := 1
	switch {
	case !est.FullDepth:
		// Book too thin for one shot: spread across the maximum.
		chunks = cfg.MaxChunks
	case est.SlippagePct > cfg.MaxSlippagePct:
		// Scale chunk count with trade size; bigger orders move the book more.
		chunks = int(math.Ceil(amountUSD / cfg.SmallOrderUSD))
	case amountUSD <= cfg.SmallOrderUSD:
		chunks = 1
	case amountUSD <= cfg.LargeOrderUSD:
		chunks = 1
	default:
		chunks = int(math.Ceil(amountUSD / cfg.LargeOrderUSD))
	}

	if chunks > cfg.MaxChunks {
		chunks = cfg.MaxChunks
	}
	if chunks < 1 {
		chunks = 1
	}
	return Plan{Chunks: chunks, Estimate: est}
}

// Executor splits and places orders through an exchange client.
type Executor struct {
	cfg    Config
	logger *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a smart executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "smart")),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute places the request against the exchange, chunking per the decision
// table. The order book is re-fetched and slippage re-estimated before every
// chunk; a chunk whose live slippage exceeds 1.5x the original estimate is
// executed anyway but flagged in the result. Zero fills across all chunks is
// reported as a failure distinct from a partial fill.
func (e *Executor) Execute(ctx context.Context, client domain.ExchangeClient, req Request) (domain.ExecutionResult, error) {
	book, err := client.GetOrderBook(ctx, req.MarketID, req.Outcome)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("smart: fetch book: %w", err)
	}

	levels := book.Levels(req.Side)
	if len(levels) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("smart: %s %s/%s: %w", req.Side, req.MarketID, req.Outcome, domain.ErrInsufficientLiquidity)
	}

	origEst := VWAP(levels, req.Quantity)
	plan := PlanChunks(e.cfg, origEst, req.AmountUSD)

	e.logger.Info("execution planned",
		slog.String("market_id", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", req.Quantity),
		slog.Float64("amount_usd", req.AmountUSD),
		slog.Float64("est_vwap", origEst.VWAP),
		slog.Float64("est_slippage_pct", origEst.SlippagePct),
		slog.Int("chunks", plan.Chunks),
	)

	chunkQty := req.Quantity / float64(plan.Chunks)

	result := domain.ExecutionResult{Chunks: plan.Chunks}
	totalCost := 0.0

	for i := 0; i < plan.Chunks; i++ {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.ChunkDelay); err != nil {
				break
			}

			// Re-estimate against the live book before each later chunk.
			book, err = client.GetOrderBook(ctx, req.MarketID, req.Outcome)
			if err != nil {
				e.logger.Warn("chunk book refetch failed, continuing with prior estimate",
					slog.Int("chunk", i),
					slog.String("error", err.Error()),
				)
			} else {
				liveEst := VWAP(book.Levels(req.Side), chunkQty)
				if origEst.SlippagePct > 0 && liveEst.SlippagePct > origEst.SlippagePct*slippageWarnFactor {
					result.SlippageWarned = true
					e.logger.Warn("live slippage exceeds estimate",
						slog.Int("chunk", i),
						slog.Float64("estimated_pct", origEst.SlippagePct),
						slog.Float64("live_pct", liveEst.SlippagePct),
					)
				}
			}
		}

		ticket, err := e.placeChunk(ctx, client, req, chunkQty)
		if err != nil {
			result.Message = err.Error()
			result.ErrorCategory = domain.ClassifyExecError(err)
			// Stop chunking on the first hard error; partial fills so far
			// still count.
			break
		}

		result.FilledQuantity += ticket.FilledQuantity
		totalCost += ticket.FilledQuantity * ticket.AvgFillPrice
		result.FeeUSD += ticket.FeeUSD
		if result.OrderID == "" {
			result.OrderID = ticket.OrderID
		}
		if ticket.ExchangeTxHash != "" {
			result.ExchangeTxHash = ticket.ExchangeTxHash
		}
	}

	if result.FilledQuantity > 0 {
		result.AvgFillPrice = totalCost / result.FilledQuantity
	}

	switch {
	case result.FilledQuantity <= 0:
		result.Status = domain.ExecStatusUnfilled
		result.Success = false
		if result.ErrorCategory == domain.ExecErrNone {
			result.ErrorCategory = domain.ExecErrOrderRejected
		}
	case result.FilledQuantity < req.Quantity:
		result.Status = domain.ExecStatusPartiallyFilled
		result.Success = true
	default:
		result.Status = domain.ExecStatusFilled
		result.Success = true
	}

	return result, nil
}

func (e *Executor) placeChunk(ctx context.Context, client domain.ExchangeClient, req Request, qty float64) (domain.OrderTicket, error) {
	if req.Side == domain.TradeSideSell {
		return client.PlaceSellOrder(ctx, req.MarketID, req.Outcome, qty, req.LimitPrice)
	}
	return client.PlaceBuyOrder(ctx, req.MarketID, req.Outcome, qty, req.LimitPrice)
}
