package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// RelationshipStore implements domain.RelationshipStore using PostgreSQL.
type RelationshipStore struct {
	pool *pgxpool.Pool
}

// NewRelationshipStore creates a RelationshipStore backed by the given pool.
func NewRelationshipStore(pool *pgxpool.Pool) *RelationshipStore {
	return &RelationshipStore{pool: pool}
}

var _ domain.RelationshipStore = (*RelationshipStore)(nil)

const relationshipCols = `id, user_id, follower_wallet, trader_address,
	factor, max_investment_per_trade, max_price, volume_budget_usd,
	status, pause_reason, created_at, updated_at`

func scanRelationship(row pgx.Row) (domain.Relationship, error) {
	var (
		rel    domain.Relationship
		status string
	)
	err := row.Scan(
		&rel.ID, &rel.UserID, &rel.FollowerWallet, &rel.TraderAddress,
		&rel.Factor, &rel.MaxInvestmentPerTrade, &rel.MaxPrice, &rel.VolumeBudgetUSD,
		&status, &rel.PauseReason, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		return domain.Relationship{}, err
	}
	rel.Status = domain.RelationshipStatus(status)
	return rel, nil
}

// FindActiveByTrader returns every active relationship following the trader.
func (s *RelationshipStore) FindActiveByTrader(ctx context.Context, trader string) ([]domain.Relationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+relationshipCols+` FROM relationships
		WHERE trader_address = $1 AND status = 'active'
		ORDER BY id ASC`,
		trader)
	if err != nil {
		return nil, fmt.Errorf("postgres: find active relationships: %w", err)
	}
	defer rows.Close()

	var rels []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan relationship: %w", err)
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// GetByID returns the relationship with the given id.
func (s *RelationshipStore) GetByID(ctx context.Context, id int64) (domain.Relationship, error) {
	rel, err := scanRelationship(s.pool.QueryRow(ctx,
		`SELECT `+relationshipCols+` FROM relationships WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Relationship{}, domain.ErrNotFound
		}
		return domain.Relationship{}, fmt.Errorf("postgres: get relationship: %w", err)
	}
	return rel, nil
}

// Pause pauses one relationship with a reason.
func (s *RelationshipStore) Pause(ctx context.Context, id int64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relationships
		SET status = 'paused', pause_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`,
		id, reason)
	if err != nil {
		return fmt.Errorf("postgres: pause relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PauseAllForUser pauses every active relationship of one user, used when
// their credentials fail or their balance runs out.
func (s *RelationshipStore) PauseAllForUser(ctx context.Context, userID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relationships
		SET status = 'paused', pause_reason = $2, updated_at = NOW()
		WHERE user_id = $1 AND status = 'active'`,
		userID, reason)
	if err != nil {
		return fmt.Errorf("postgres: pause relationships for user: %w", err)
	}
	return nil
}

// ActiveUserIDs lists distinct users with at least one active relationship.
func (s *RelationshipStore) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM relationships WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active user ids: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("postgres: scan active user id: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// VolumeUsedSince sums the entry value of the user's copied trades since the
// given time, excluding trades that never executed. Backs the subscription
// volume budget.
func (s *RelationshipStore) VolumeUsedSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var used float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(entry_value_usd), 0)
		FROM trade_records
		WHERE user_id = $1 AND created_at >= $2
		  AND status NOT IN ('failed', 'permanently_failed', 'cancelled')`,
		userID, since).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("postgres: volume used since: %w", err)
	}
	return used, nil
}
