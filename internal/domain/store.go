package domain

import (
	"context"
	"time"
)

// TradeRecordStore persists copied positions. FindByOriginalTxAndUser backs
// the execution idempotency check; UpdateStatus is a compare-and-swap on the
// current status so only one writer wins a transition.
type TradeRecordStore interface {
	Create(ctx context.Context, rec TradeRecord) (int64, error)
	GetByID(ctx context.Context, id int64) (TradeRecord, error)
	FindByOriginalTxAndUser(ctx context.Context, txHash, userID string) (TradeRecord, error)

	// UpdateStatus transitions id from the expected `from` to `to`, returning
	// ErrStatusConflict when the row is no longer in `from`.
	UpdateStatus(ctx context.Context, id int64, from, to TradeRecordStatus) error

	// CloseLot records exit fields and transitions the record to closed.
	CloseLot(ctx context.Context, id int64, exitPrice, exitValueUSD, realizedPnL float64, closedAt time.Time) error

	// ReduceQuantity shrinks an open record after a partial close split off a
	// closed lot.
	ReduceQuantity(ctx context.Context, id int64, newQuantity, newEntryValueUSD float64) error

	MarkConfirmed(ctx context.Context, id int64, block uint64, priceDiscrepancy bool) error
	IncrementRetry(ctx context.Context, id int64) (int, error)

	ListByStatus(ctx context.Context, statuses []TradeRecordStatus, limit int) ([]TradeRecord, error)
	FindOpenPositions(ctx context.Context, trader, marketID string, outcome Outcome) ([]TradeRecord, error)

	// RealizedPnLSince sums realized P&L for one user from `since` onward.
	RealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error)

	// ConfirmationStats aggregates reconciliation results for the daily
	// report: confirmed count, discrepancy count, and average seconds from
	// creation to confirmation, over [from, to).
	ConfirmationStats(ctx context.Context, from, to time.Time) (confirmed int64, discrepancies int64, avgLatencySec float64, err error)
}

// DetectedTradeStore persists every confirmed on-chain trader fill. It feeds
// the trader watchdog's size-history queries; inserts are idempotent on
// (tx_hash, log_index).
type DetectedTradeStore interface {
	Insert(ctx context.Context, t ParsedTrade) error

	// NetPositionQuantity is the trader's net bought-minus-sold token count
	// for one market outcome, from confirmed fills alone.
	NetPositionQuantity(ctx context.Context, trader, marketID string, outcome Outcome) (float64, error)

	AvgTradeSizeUSD(ctx context.Context, trader string, from, to time.Time) (float64, error)
	NetFlowUSD(ctx context.Context, trader string, from, to time.Time) (float64, error)
	BuyVolumeUSD(ctx context.Context, trader string, from, to time.Time) (float64, error)
	ActiveTraders(ctx context.Context, since time.Time) ([]string, error)
}

// RelationshipStore persists follow relationships and the volume accounting
// behind subscription budgets.
type RelationshipStore interface {
	FindActiveByTrader(ctx context.Context, trader string) ([]Relationship, error)
	GetByID(ctx context.Context, id int64) (Relationship, error)
	Pause(ctx context.Context, id int64, reason string) error
	PauseAllForUser(ctx context.Context, userID, reason string) error

	// ActiveUserIDs lists distinct users with at least one active
	// relationship, for the daily-loss monitor.
	ActiveUserIDs(ctx context.Context) ([]string, error)

	// VolumeUsedSince sums copy amounts already executed for the user since
	// the given time, for budget validation.
	VolumeUsedSince(ctx context.Context, userID string, since time.Time) (float64, error)
}

// CredentialStore fetches a user's encrypted API credential blob. Decryption
// lives in the credential provider, not here.
type CredentialStore interface {
	EncryptedCredentials(ctx context.Context, userID string) ([]byte, error)
}
