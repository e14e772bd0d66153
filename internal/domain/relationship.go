package domain

import "time"

// RelationshipStatus tracks whether a follow relationship may produce signals.
type RelationshipStatus string

const (
	RelationshipActive RelationshipStatus = "active"
	RelationshipPaused RelationshipStatus = "paused"
	RelationshipEnded  RelationshipStatus = "ended"
)

// Relationship is one user's subscription to copy one trader. Sizing and
// limits are per-relationship; the volume budget comes from the user's
// subscription tier.
type Relationship struct {
	ID             int64
	UserID         string
	FollowerWallet string
	TraderAddress  string

	Factor                float64 // fraction of the trader's size to copy
	MaxInvestmentPerTrade float64 // USD cap per copied trade
	MaxPrice              *float64
	VolumeBudgetUSD       float64 // rolling 30-day budget from the subscription tier

	Status      RelationshipStatus
	PauseReason string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
