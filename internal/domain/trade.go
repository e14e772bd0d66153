package domain

import (
	"fmt"
	"time"
)

// TradeSide indicates whether the on-chain trade bought or sold outcome tokens.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Outcome is the binary market outcome a trade is exposed to.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// RawLogEvent is an undecoded chain log as returned by the RPC layer. It is
// consumed immediately by the listener and never persisted.
type RawLogEvent struct {
	BlockNumber uint64
	BlockTime   time.Time
	TxHash      string
	LogIndex    uint
	Address     string
	Topics      []string
	Data        []byte
	Removed     bool
}

// ParsedTrade is a normalized on-chain trade fill decoded from an exchange
// contract event. It is immutable once validated and uniquely identified by
// (TxHash, LogIndex).
type ParsedTrade struct {
	TxHash      string
	BlockNumber uint64
	BlockTime   time.Time
	LogIndex    uint

	Trader   string
	MarketID string
	Side     TradeSide
	Outcome  Outcome

	Quantity float64 // outcome tokens, > 0 for valid trades
	Price    float64 // USD per token, in [0,1] for valid trades
	TotalUSD float64
	FeeUSD   float64

	GasUsed     uint64
	GasPriceWei uint64

	Valid            bool
	ValidationErrors []string
}

// EventID returns the dedup key for this trade: "txHash:logIndex".
func (t ParsedTrade) EventID() string {
	return fmt.Sprintf("%s:%d", t.TxHash, t.LogIndex)
}
