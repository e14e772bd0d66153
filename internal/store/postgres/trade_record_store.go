package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// TradeRecordStore implements domain.TradeRecordStore using PostgreSQL.
type TradeRecordStore struct {
	pool *pgxpool.Pool
}

// NewTradeRecordStore creates a TradeRecordStore backed by the given pool.
func NewTradeRecordStore(pool *pgxpool.Pool) *TradeRecordStore {
	return &TradeRecordStore{pool: pool}
}

var _ domain.TradeRecordStore = (*TradeRecordStore)(nil)

const tradeRecordCols = `id, user_id, relationship_id, trader_address,
	original_tx_hash, original_log_idx, signal_id, market_id, side, outcome,
	quantity, entry_price, entry_value_usd, exit_price, exit_value_usd,
	realized_pnl, order_id, exchange_tx_hash, status, confirmation_block,
	price_discrepancy, retry_count, created_at, updated_at, closed_at`

func scanTradeRecord(row pgx.Row) (domain.TradeRecord, error) {
	var (
		rec    domain.TradeRecord
		relID  *int64
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &relID, &rec.TraderAddress,
		&rec.OriginalTxHash, &rec.OriginalLogIdx, &rec.SignalID,
		&rec.MarketID, &rec.Side, &rec.Outcome,
		&rec.Quantity, &rec.EntryPrice, &rec.EntryValueUSD,
		&rec.ExitPrice, &rec.ExitValueUSD, &rec.RealizedPnL,
		&rec.OrderID, &rec.ExchangeTxHash, &status, &rec.ConfirmationBlock,
		&rec.PriceDiscrepancy, &rec.RetryCount,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt,
	)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	if relID != nil {
		rec.RelationshipID = *relID
	}
	rec.Status = domain.TradeRecordStatus(status)
	return rec, nil
}

func scanTradeRecordRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	for rows.Next() {
		rec, err := scanTradeRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Create inserts a new trade record and returns its id. A unique-index
// violation on (original_tx_hash, user_id) maps to domain.ErrAlreadyExists
// so concurrent executors can detect they lost the race.
func (s *TradeRecordStore) Create(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	var relID *int64
	if rec.RelationshipID != 0 {
		relID = &rec.RelationshipID
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trade_records (
			user_id, relationship_id, trader_address,
			original_tx_hash, original_log_idx, signal_id,
			market_id, side, outcome,
			quantity, entry_price, entry_value_usd,
			order_id, exchange_tx_hash, status
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		) RETURNING id`,
		rec.UserID, relID, rec.TraderAddress,
		rec.OriginalTxHash, rec.OriginalLogIdx, rec.SignalID,
		rec.MarketID, rec.Side, rec.Outcome,
		rec.Quantity, rec.EntryPrice, rec.EntryValueUSD,
		rec.OrderID, rec.ExchangeTxHash, rec.Status,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("postgres: create trade record: %w", err)
	}
	return id, nil
}

// GetByID returns the record with the given id.
func (s *TradeRecordStore) GetByID(ctx context.Context, id int64) (domain.TradeRecord, error) {
	rec, err := scanTradeRecord(s.pool.QueryRow(ctx,
		`SELECT `+tradeRecordCols+` FROM trade_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade record: %w", err)
	}
	return rec, nil
}

// FindByOriginalTxAndUser backs the execution idempotency check. Split lots
// with an empty signal_id are indistinguishable here by design: any record
// for the pair means the original trade was executed.
func (s *TradeRecordStore) FindByOriginalTxAndUser(ctx context.Context, txHash, userID string) (domain.TradeRecord, error) {
	rec, err := scanTradeRecord(s.pool.QueryRow(ctx, `
		SELECT `+tradeRecordCols+` FROM trade_records
		WHERE original_tx_hash = $1 AND user_id = $2
		ORDER BY id ASC LIMIT 1`,
		txHash, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: find trade by tx and user: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions the record from the expected current status. The
// WHERE clause is the compare-and-swap: zero rows affected means another
// writer moved the record first.
func (s *TradeRecordStore) UpdateStatus(ctx context.Context, id int64, from, to domain.TradeRecordStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("postgres: update trade record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// CloseLot records the exit and moves the record to closed.
func (s *TradeRecordStore) CloseLot(ctx context.Context, id int64, exitPrice, exitValueUSD, realizedPnL float64, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records
		SET exit_price = $2, exit_value_usd = $3, realized_pnl = $4,
		    closed_at = $5, status = 'closed', updated_at = NOW()
		WHERE id = $1`,
		id, exitPrice, exitValueUSD, realizedPnL, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReduceQuantity shrinks an open record after a partial close split.
func (s *TradeRecordStore) ReduceQuantity(ctx context.Context, id int64, newQuantity, newEntryValueUSD float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records
		SET quantity = $2, entry_value_usd = $3, updated_at = NOW()
		WHERE id = $1`,
		id, newQuantity, newEntryValueUSD)
	if err != nil {
		return fmt.Errorf("postgres: reduce quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkConfirmed records reconciliation's verdict. block 0 means no on-chain
// confirmation was available and stores NULL.
func (s *TradeRecordStore) MarkConfirmed(ctx context.Context, id int64, block uint64, priceDiscrepancy bool) error {
	var blockArg *int64
	if block > 0 {
		b := int64(block)
		blockArg = &b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records
		SET status = 'confirmed', confirmation_block = $2,
		    price_discrepancy = $3, updated_at = NOW()
		WHERE id = $1`,
		id, blockArg, priceDiscrepancy)
	if err != nil {
		return fmt.Errorf("postgres: mark confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *TradeRecordStore) IncrementRetry(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE trade_records
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count`,
		id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: increment retry: %w", err)
	}
	return count, nil
}

// ListByStatus returns up to limit records in any of the given statuses,
// oldest first so stale records are reconciled before fresh ones.
func (s *TradeRecordStore) ListByStatus(ctx context.Context, statuses []domain.TradeRecordStatus, limit int) ([]domain.TradeRecord, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeRecordCols+` FROM trade_records
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2`,
		vals, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records by status: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade records by status: %w", err)
	}
	return recs, nil
}

// FindOpenPositions returns follower positions still open against the given
// trader's market outcome, oldest lot first.
func (s *TradeRecordStore) FindOpenPositions(ctx context.Context, trader, marketID string, outcome domain.Outcome) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeRecordCols+` FROM trade_records
		WHERE trader_address = $1 AND market_id = $2 AND outcome = $3
		  AND status IN ('open', 'confirmed')
		ORDER BY created_at ASC`,
		trader, marketID, outcome)
	if err != nil {
		return nil, fmt.Errorf("postgres: find open positions: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return recs, nil
}

// ListClosedBefore returns all records closed strictly before the cutoff,
// oldest first. Used by the cold-storage archiver.
func (s *TradeRecordStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeRecordCols+` FROM trade_records
		WHERE status = 'closed' AND closed_at < $1
		ORDER BY closed_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trade records: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed trade records: %w", err)
	}
	return recs, nil
}

// RealizedPnLSince sums realized P&L from lots closed at or after `since`.
func (s *TradeRecordStore) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trade_records
		WHERE user_id = $1 AND closed_at >= $2`,
		userID, since).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("postgres: realized pnl since: %w", err)
	}
	return pnl, nil
}

// ConfirmationStats aggregates reconciliation results over [from, to),
// using updated_at as the confirmation time.
func (s *TradeRecordStore) ConfirmationStats(ctx context.Context, from, to time.Time) (int64, int64, float64, error) {
	var (
		confirmed     int64
		discrepancies int64
		avgLatency    *float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE price_discrepancy),
		       AVG(EXTRACT(EPOCH FROM (updated_at - created_at)))
		FROM trade_records
		WHERE status IN ('confirmed', 'closed')
		  AND updated_at >= $1 AND updated_at < $2`,
		from, to).Scan(&confirmed, &discrepancies, &avgLatency)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("postgres: confirmation stats: %w", err)
	}
	var lat float64
	if avgLatency != nil {
		lat = *avgLatency
	}
	return confirmed, discrepancies, lat, nil
}
