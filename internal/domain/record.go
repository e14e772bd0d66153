package domain

import "time"

// TradeRecordStatus tracks the lifecycle of a copied position. Records are
// never deleted, only status-transitioned.
type TradeRecordStatus string

const (
	TradeStatusPending           TradeRecordStatus = "pending"
	TradeStatusSubmitted         TradeRecordStatus = "submitted"
	TradeStatusOpen              TradeRecordStatus = "open"
	TradeStatusConfirmed         TradeRecordStatus = "confirmed"
	TradeStatusClosed            TradeRecordStatus = "closed"
	TradeStatusCancelled         TradeRecordStatus = "cancelled"
	TradeStatusFailed            TradeRecordStatus = "failed"
	TradeStatusPermanentlyFailed TradeRecordStatus = "permanently_failed"
)

// TradeRecord is the durable row representing one copied position (or one
// closed lot split off a larger position). Created by the execution worker;
// status mutations after creation belong to reconciliation and close
// processing, serialized through compare-and-swap on the status column.
type TradeRecord struct {
	ID             int64
	UserID         string
	RelationshipID int64
	TraderAddress  string
	OriginalTxHash string
	OriginalLogIdx uint
	SignalID       string

	MarketID string
	Side     TradeSide
	Outcome  Outcome

	Quantity      float64
	EntryPrice    float64
	EntryValueUSD float64
	ExitPrice     *float64
	ExitValueUSD  *float64
	RealizedPnL   *float64

	OrderID           string
	ExchangeTxHash    string
	Status            TradeRecordStatus
	ConfirmationBlock *uint64
	PriceDiscrepancy  bool
	RetryCount        int

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// RealizedPnLFor computes the realized P&L of closing qty tokens entered at
// entry and exited at exit. Long positions profit when exit > entry; the sign
// inverts for shorts.
func RealizedPnLFor(side TradeSide, entry, exit, qty float64) float64 {
	pnl := (exit - entry) * qty
	if side == TradeSideSell {
		pnl = -pnl
	}
	return pnl
}

// ExecutionStatus is the terminal state of a single order placement attempt.
type ExecutionStatus string

const (
	ExecStatusFilled          ExecutionStatus = "filled"
	ExecStatusPartiallyFilled ExecutionStatus = "partially_filled"
	ExecStatusSubmitted       ExecutionStatus = "submitted"
	ExecStatusUnfilled        ExecutionStatus = "unfilled"
	ExecStatusRejected        ExecutionStatus = "rejected"
)

// ExecutionResult is the outcome of placing an order (possibly across several
// chunks) for one signal.
type ExecutionResult struct {
	Success        bool
	OrderID        string
	ExchangeTxHash string
	FilledQuantity float64
	AvgFillPrice   float64
	FeeUSD         float64
	Status         ExecutionStatus
	ErrorCategory  ExecErrorCategory
	Message        string
	Chunks         int
	SlippageWarned bool
}
