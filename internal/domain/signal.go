package domain

import "time"

// Priority orders queue delivery. High-priority items are delivered before
// normal ones within the same channel.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CopyTradeSignal is the derived intent to replicate one trader fill for one
// follower. A single ParsedTrade fans out into zero or more signals, one per
// active follow relationship.
type CopyTradeSignal struct {
	SignalID       string // UUID
	UserID         string
	FollowerWallet string
	TraderAddress  string
	OriginalTxHash string
	OriginalLogIdx uint

	MarketID string
	Side     TradeSide
	Outcome  Outcome

	OriginalAmountUSD float64
	CopyAmountUSD     float64
	Factor            float64  // proportionality factor applied
	MaxPrice          *float64 // optional price ceiling from the relationship

	Priority  Priority
	CreatedAt time.Time
}

// CloseSignal is the derived intent to reduce or close one follower position
// in response to a followed trader reducing theirs.
type CloseSignal struct {
	SignalID       string // UUID
	UserID         string
	TradeRecordID  int64 // follower position being closed
	TraderAddress  string
	OriginalTxHash string

	MarketID string
	Outcome  Outcome

	EntryPrice    float64
	ExitPrice     float64
	CloseQuantity float64 // follower tokens to close
	ClosePercent  float64 // 0-100, fraction of the trader's original position closed

	CreatedAt time.Time
}

// FullClose reports whether the signal should close the entire position.
// A small tolerance absorbs rounding in the trader's own partial fills.
func (s CloseSignal) FullClose() bool {
	return s.ClosePercent >= 99.0
}
