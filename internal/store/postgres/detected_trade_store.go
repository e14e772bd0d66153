package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// DetectedTradeStore persists confirmed on-chain trader fills. Inserts are
// idempotent on (tx_hash, log_index) so listener restarts and replays are
// harmless.
type DetectedTradeStore struct {
	pool *pgxpool.Pool
}

// NewDetectedTradeStore creates a DetectedTradeStore backed by the given pool.
func NewDetectedTradeStore(pool *pgxpool.Pool) *DetectedTradeStore {
	return &DetectedTradeStore{pool: pool}
}

var _ domain.DetectedTradeStore = (*DetectedTradeStore)(nil)

// Insert records one confirmed fill. Duplicates are silently skipped.
func (s *DetectedTradeStore) Insert(ctx context.Context, t domain.ParsedTrade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detected_trades (
			tx_hash, log_index, block_number, block_time,
			trader_address, market_id, side, outcome,
			quantity, price, total_usd, fee_usd,
			gas_used, gas_price_wei
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14
		) ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		t.TxHash, t.LogIndex, t.BlockNumber, t.BlockTime,
		t.Trader, t.MarketID, t.Side, t.Outcome,
		t.Quantity, t.Price, t.TotalUSD, t.FeeUSD,
		t.GasUsed, t.GasPriceWei,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert detected trade: %w", err)
	}
	return nil
}

// NetPositionQuantity is the trader's bought-minus-sold token count for one
// market outcome, from confirmed fills alone.
func (s *DetectedTradeStore) NetPositionQuantity(ctx context.Context, trader, marketID string, outcome domain.Outcome) (float64, error) {
	var net float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN side = 'buy' THEN quantity ELSE -quantity END), 0)
		FROM detected_trades
		WHERE trader_address = $1 AND market_id = $2 AND outcome = $3`,
		trader, marketID, outcome).Scan(&net)
	if err != nil {
		return 0, fmt.Errorf("postgres: net position quantity: %w", err)
	}
	return net, nil
}

// AvgTradeSizeUSD is the trader's mean fill size over [from, to).
func (s *DetectedTradeStore) AvgTradeSizeUSD(ctx context.Context, trader string, from, to time.Time) (float64, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(total_usd)
		FROM detected_trades
		WHERE trader_address = $1 AND block_time >= $2 AND block_time < $3`,
		trader, from, to).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("postgres: avg trade size: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// NetFlowUSD is buy volume minus sell volume over [from, to). Negative means
// the trader took more money out of positions than they put in.
func (s *DetectedTradeStore) NetFlowUSD(ctx context.Context, trader string, from, to time.Time) (float64, error) {
	var net float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN side = 'buy' THEN total_usd ELSE -total_usd END), 0)
		FROM detected_trades
		WHERE trader_address = $1 AND block_time >= $2 AND block_time < $3`,
		trader, from, to).Scan(&net)
	if err != nil {
		return 0, fmt.Errorf("postgres: net flow: %w", err)
	}
	return net, nil
}

// BuyVolumeUSD sums buy-side volume over [from, to).
func (s *DetectedTradeStore) BuyVolumeUSD(ctx context.Context, trader string, from, to time.Time) (float64, error) {
	var vol float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_usd), 0)
		FROM detected_trades
		WHERE trader_address = $1 AND side = 'buy'
		  AND block_time >= $2 AND block_time < $3`,
		trader, from, to).Scan(&vol)
	if err != nil {
		return 0, fmt.Errorf("postgres: buy volume: %w", err)
	}
	return vol, nil
}

// ActiveTraders lists distinct traders with at least one fill since the
// given time.
func (s *DetectedTradeStore) ActiveTraders(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT trader_address
		FROM detected_trades
		WHERE block_time >= $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("postgres: active traders: %w", err)
	}
	defer rows.Close()

	var traders []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("postgres: scan active trader: %w", err)
		}
		traders = append(traders, t)
	}
	return traders, rows.Err()
}
