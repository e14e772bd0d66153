// Package listener polls the chain for exchange fill events, deduplicates
// them, and holds them in a reorg buffer until a confirmation depth is
// reached before handing them to the pipeline.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// ChainReader is the chain access the listener needs. Satisfied by
// rpcpool.Manager.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Sink receives confirmed trades in block order.
type Sink interface {
	Publish(ctx context.Context, trade domain.ParsedTrade) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, trade domain.ParsedTrade) error

func (f SinkFunc) Publish(ctx context.Context, trade domain.ParsedTrade) error {
	return f(ctx, trade)
}

// Config holds the listener's tunables.
type Config struct {
	ExchangeContract  common.Address
	ConfirmationDepth uint64        // blocks behind head before a trade is final, default 12
	BlockBatchSize    uint64        // getLogs range chunk, default 100
	PollInterval      time.Duration // default 10s
	StartBlock        uint64        // 0 = start from current head
}

func (c *Config) applyDefaults() {
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = 12
	}
	if c.BlockBatchSize == 0 {
		c.BlockBatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
}

// Status is a snapshot of the listener's counters.
type Status struct {
	LatestProcessedBlock uint64 `json:"latest_processed_block"`
	BufferedBlocks       int    `json:"buffered_blocks"`
	BufferedTrades       int    `json:"buffered_trades"`
	Emitted              uint64 `json:"emitted"`
	Duplicates           uint64 `json:"duplicates"`
	Invalid              uint64 `json:"invalid"`
}

// Listener drives the poll loop. All mutable state is confined to the loop
// goroutine except the counters behind mu, which Status reads.
type Listener struct {
	cfg      Config
	chain    ChainReader
	resolver TokenResolver
	sink     Sink
	logger   *slog.Logger

	seen *seenSet

	mu          sync.Mutex
	latestBlock uint64
	buffer      map[uint64][]domain.ParsedTrade
	emitted     uint64
	duplicates  uint64
	invalid     uint64
}

// New creates a Listener.
func New(cfg Config, chain ChainReader, resolver TokenResolver, sink Sink, logger *slog.Logger) *Listener {
	cfg.applyDefaults()
	return &Listener{
		cfg:      cfg,
		chain:    chain,
		resolver: resolver,
		sink:     sink,
		logger:   logger.With(slog.String("component", "listener")),
		seen:     newSeenSet(2 * time.Hour),
		buffer:   make(map[uint64][]domain.ParsedTrade),
	}
}

// Run polls until the context is cancelled. A failed tick is logged and
// retried on the next interval; the chain manager already retried the
// individual RPC calls, so a tick failure here means the provider pool is
// exhausted and backing off at the poll cadence is the right response.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listener started",
		slog.String("contract", l.cfg.ExchangeContract.Hex()),
		slog.Uint64("confirmation_depth", l.cfg.ConfirmationDepth),
		slog.Duration("poll_interval", l.cfg.PollInterval),
	)
	defer l.logger.Info("listener stopped")

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.logger.Error("poll tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// tick advances the scan window to the current head, buffers new trades, and
// emits every trade whose block has reached the confirmation depth.
func (l *Listener) tick(ctx context.Context) error {
	head, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("listener: fetch head: %w", err)
	}

	l.mu.Lock()
	latest := l.latestBlock
	l.mu.Unlock()

	if latest == 0 {
		// First tick: start from the configured block, or just behind head.
		if l.cfg.StartBlock > 0 {
			latest = l.cfg.StartBlock - 1
		} else {
			latest = head
		}
	}

	for from := latest + 1; from <= head; from += l.cfg.BlockBatchSize {
		to := from + l.cfg.BlockBatchSize - 1
		if to > head {
			to = head
		}
		if err := l.scanRange(ctx, from, to); err != nil {
			return err
		}
		l.mu.Lock()
		l.latestBlock = to
		l.mu.Unlock()
	}

	l.mu.Lock()
	if l.latestBlock < head {
		l.latestBlock = head
	}
	l.mu.Unlock()

	return l.emitConfirmed(ctx, head)
}

// scanRange fetches and buffers fill events for [from, to].
func (l *Listener) scanRange(ctx context.Context, from, to uint64) error {
	logs, err := l.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.cfg.ExchangeContract},
		Topics:    [][]common.Hash{{OrderFilledTopic}},
	})
	if err != nil {
		return fmt.Errorf("listener: get logs [%d,%d]: %w", from, to, err)
	}

	// Block timestamps are fetched once per block within the batch.
	blockTimes := make(map[uint64]time.Time)

	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}

		id := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)
		if !l.seen.Add(id) {
			l.mu.Lock()
			l.duplicates++
			l.mu.Unlock()
			continue
		}

		bt, ok := blockTimes[vLog.BlockNumber]
		if !ok {
			header, err := l.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
			if err != nil {
				return fmt.Errorf("listener: fetch header %d: %w", vLog.BlockNumber, err)
			}
			bt = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[vLog.BlockNumber] = bt
		}

		trade, err := l.parseTrade(ctx, vLog, bt)
		if err != nil {
			l.mu.Lock()
			l.invalid++
			l.mu.Unlock()
			l.logger.Warn("undecodable log skipped",
				slog.String("tx_hash", vLog.TxHash.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !trade.Valid {
			l.mu.Lock()
			l.invalid++
			l.mu.Unlock()
			l.logger.Warn("invalid trade rejected",
				slog.String("event_id", trade.EventID()),
				slog.Any("validation_errors", trade.ValidationErrors),
			)
			continue
		}

		l.mu.Lock()
		l.buffer[trade.BlockNumber] = append(l.buffer[trade.BlockNumber], trade)
		l.mu.Unlock()
	}

	return nil
}

// emitConfirmed publishes trades from every block that has reached the
// confirmation depth, in ascending block then log-index order, and drops
// them from the buffer.
func (l *Listener) emitConfirmed(ctx context.Context, head uint64) error {
	l.mu.Lock()
	var ready []uint64
	for block := range l.buffer {
		if head >= block && head-block >= l.cfg.ConfirmationDepth {
			ready = append(ready, block)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var trades []domain.ParsedTrade
	for _, block := range ready {
		bt := l.buffer[block]
		sort.Slice(bt, func(i, j int) bool { return bt[i].LogIndex < bt[j].LogIndex })
		trades = append(trades, bt...)
		delete(l.buffer, block)
	}
	l.mu.Unlock()

	for _, trade := range trades {
		if err := l.sink.Publish(ctx, trade); err != nil {
			// Put the trade back so the next tick retries it rather than
			// losing it.
			l.mu.Lock()
			l.buffer[trade.BlockNumber] = append(l.buffer[trade.BlockNumber], trade)
			l.mu.Unlock()
			return fmt.Errorf("listener: publish trade %s: %w", trade.EventID(), err)
		}
		l.mu.Lock()
		l.emitted++
		l.mu.Unlock()
		l.logger.Info("trade confirmed",
			slog.String("event_id", trade.EventID()),
			slog.String("trader", trade.Trader),
			slog.String("market_id", trade.MarketID),
			slog.String("side", string(trade.Side)),
			slog.Float64("total_usd", trade.TotalUSD),
		)
	}
	return nil
}

// Status returns a snapshot of the listener's counters.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	buffered := 0
	for _, trades := range l.buffer {
		buffered += len(trades)
	}
	return Status{
		LatestProcessedBlock: l.latestBlock,
		BufferedBlocks:       len(l.buffer),
		BufferedTrades:       buffered,
		Emitted:              l.emitted,
		Duplicates:           l.duplicates,
		Invalid:              l.invalid,
	}
}
