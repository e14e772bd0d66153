package domain

import (
	"context"
	"time"
)

// Market is the slice of exchange market metadata the pipeline needs.
type Market struct {
	ID           string
	Question     string
	Active       bool
	Closed       bool
	TickSize     float64
	MinOrderSize float64
}

// Tradeable reports whether orders can currently be placed on the market.
func (m Market) Tradeable() bool {
	return m.Active && !m.Closed
}

// MarketPrices is the current YES/NO quote for a market. The two prices
// should sum to roughly 1.0; PriceSumOK tolerates ±1%.
type MarketPrices struct {
	MarketID string
	Yes      float64
	No       float64
	AsOf     time.Time
}

// PriceSumOK checks the YES+NO ≈ 1.0 invariant within a ±1% tolerance.
func (p MarketPrices) PriceSumOK() bool {
	sum := p.Yes + p.No
	return sum > 0.99 && sum < 1.01
}

// For returns the price of the given outcome.
func (p MarketPrices) For(o Outcome) float64 {
	if o == OutcomeNo {
		return p.No
	}
	return p.Yes
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a snapshot of one outcome's book, bids descending and asks
// ascending by price.
type OrderBook struct {
	MarketID  string
	Outcome   Outcome
	Bids      []BookLevel
	Asks      []BookLevel
	FetchedAt time.Time
}

// BestBid returns the highest bid, or 0 when the side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 when the side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Levels returns the side of the book an aggressing order of the given side
// would consume: asks for buys, bids for sells.
func (b OrderBook) Levels(side TradeSide) []BookLevel {
	if side == TradeSideSell {
		return b.Bids
	}
	return b.Asks
}

// OrderTicket is the exchange's acknowledgement of a placed order.
type OrderTicket struct {
	OrderID        string
	Status         ExecutionStatus
	FilledQuantity float64
	AvgFillPrice   float64
	FeeUSD         float64
	ExchangeTxHash string
}

// OrderState is the exchange's view of an existing order, polled by
// reconciliation.
type OrderState struct {
	OrderID        string
	Status         ExecutionStatus
	FilledQuantity float64
	AvgFillPrice   float64
	ExchangeTxHash string
	UpdatedAt      time.Time
}

// ExchangePosition is one open position as reported by the exchange.
type ExchangePosition struct {
	MarketID string
	Outcome  Outcome
	Quantity float64
	AvgPrice float64
}

// Balance is the user's available exchange balance in USD.
type Balance struct {
	AvailableUSD float64
	TotalUSD     float64
}

// ExchangeClient is the abstract exchange capability the pipeline consumes.
// All prices are decimals in [0,1]. Implementations return *CategorizedError
// for request failures so callers can classify without parsing messages.
type ExchangeClient interface {
	GetMarkets(ctx context.Context) ([]Market, error)
	GetMarket(ctx context.Context, marketID string) (Market, error)
	GetMarketPrices(ctx context.Context, marketID string) (MarketPrices, error)
	GetOrderBook(ctx context.Context, marketID string, outcome Outcome) (OrderBook, error)

	PlaceBuyOrder(ctx context.Context, marketID string, outcome Outcome, quantity, price float64) (OrderTicket, error)
	PlaceSellOrder(ctx context.Context, marketID string, outcome Outcome, quantity, price float64) (OrderTicket, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderState, error)

	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetBalance(ctx context.Context) (Balance, error)
}

// Credentials are one user's decrypted exchange API credentials. They exist
// only in memory, resolved at execution time.
type Credentials struct {
	APIKey     string
	APISecret  string
	PrivateKey string // optional, for venues that sign orders client-side
}

// CredentialProvider resolves decrypted credentials for a user. It must fail
// closed: decryption failure is an error, never empty credentials.
type CredentialProvider interface {
	Credentials(ctx context.Context, userID string) (Credentials, error)
}

// ExchangeClientFactory builds a per-user authenticated exchange client.
type ExchangeClientFactory interface {
	ClientFor(creds Credentials) ExchangeClient
}
