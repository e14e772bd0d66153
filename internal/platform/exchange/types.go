package exchange

import (
	"strconv"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// apiMarket is the wire shape of a market.
type apiMarket struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	TickSize     string `json:"tick_size"`
	MinOrderSize string `json:"min_order_size"`
	Tokens       []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

func (m apiMarket) toDomain() domain.Market {
	return domain.Market{
		ID:           m.ID,
		Question:     m.Question,
		Active:       m.Active,
		Closed:       m.Closed,
		TickSize:     parseDecimal(m.TickSize),
		MinOrderSize: parseDecimal(m.MinOrderSize),
	}
}

// tokenBindings extracts the token-to-outcome index from a market.
func (m apiMarket) tokenBindings() map[string]domain.TokenBinding {
	out := make(map[string]domain.TokenBinding, len(m.Tokens))
	for _, t := range m.Tokens {
		outcome := domain.OutcomeYes
		if t.Outcome == "No" || t.Outcome == "no" {
			outcome = domain.OutcomeNo
		}
		out[t.TokenID] = domain.TokenBinding{MarketID: m.ID, Outcome: outcome}
	}
	return out
}

// apiPrices is the wire shape of a market quote.
type apiPrices struct {
	MarketID string `json:"market_id"`
	Yes      string `json:"yes"`
	No       string `json:"no"`
}

func (p apiPrices) toDomain() domain.MarketPrices {
	return domain.MarketPrices{
		MarketID: p.MarketID,
		Yes:      parseDecimal(p.Yes),
		No:       parseDecimal(p.No),
		AsOf:     time.Now().UTC(),
	}
}

// apiBook is the wire shape of an order book snapshot. Levels are
// [price, size] string pairs.
type apiBook struct {
	MarketID string      `json:"market_id"`
	Outcome  string      `json:"outcome"`
	Bids     [][2]string `json:"bids"`
	Asks     [][2]string `json:"asks"`
}

func (b apiBook) toDomain() domain.OrderBook {
	outcome := domain.OutcomeYes
	if b.Outcome == "no" {
		outcome = domain.OutcomeNo
	}
	return domain.OrderBook{
		MarketID:  b.MarketID,
		Outcome:   outcome,
		Bids:      parseLevels(b.Bids),
		Asks:      parseLevels(b.Asks),
		FetchedAt: time.Now().UTC(),
	}
}

func parseLevels(raw [][2]string) []domain.BookLevel {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, pair := range raw {
		levels = append(levels, domain.BookLevel{
			Price: parseDecimal(pair[0]),
			Size:  parseDecimal(pair[1]),
		})
	}
	return levels
}

// apiOrderResult is the wire shape of an order placement acknowledgement.
type apiOrderResult struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
	Fee            string `json:"fee"`
	TxHash         string `json:"tx_hash"`
}

func (r apiOrderResult) toTicket() domain.OrderTicket {
	return domain.OrderTicket{
		OrderID:        r.OrderID,
		Status:         domain.ExecutionStatus(r.Status),
		FilledQuantity: parseDecimal(r.FilledQuantity),
		AvgFillPrice:   parseDecimal(r.AvgFillPrice),
		FeeUSD:         parseDecimal(r.Fee),
		ExchangeTxHash: r.TxHash,
	}
}

// apiOrderState is the wire shape of an order status query.
type apiOrderState struct {
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	FilledQuantity string    `json:"filled_quantity"`
	AvgFillPrice   string    `json:"avg_fill_price"`
	TxHash         string    `json:"tx_hash"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s apiOrderState) toDomain() domain.OrderState {
	return domain.OrderState{
		OrderID:        s.OrderID,
		Status:         domain.ExecutionStatus(s.Status),
		FilledQuantity: parseDecimal(s.FilledQuantity),
		AvgFillPrice:   parseDecimal(s.AvgFillPrice),
		ExchangeTxHash: s.TxHash,
		UpdatedAt:      s.UpdatedAt,
	}
}

// apiPosition is the wire shape of one open position.
type apiPosition struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Quantity string `json:"quantity"`
	AvgPrice string `json:"avg_price"`
}

func (p apiPosition) toDomain() domain.ExchangePosition {
	outcome := domain.OutcomeYes
	if p.Outcome == "no" {
		outcome = domain.OutcomeNo
	}
	return domain.ExchangePosition{
		MarketID: p.MarketID,
		Outcome:  outcome,
		Quantity: parseDecimal(p.Quantity),
		AvgPrice: parseDecimal(p.AvgPrice),
	}
}

// apiBalance is the wire shape of the balance query.
type apiBalance struct {
	Available string `json:"available"`
	Total     string `json:"total"`
}

func (b apiBalance) toDomain() domain.Balance {
	return domain.Balance{
		AvailableUSD: parseDecimal(b.Available),
		TotalUSD:     parseDecimal(b.Total),
	}
}

// apiError is the structured error body the exchange returns on 4xx.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseDecimal converts a decimal string to float64, returning 0 for empty
// or malformed values. Exchange payloads use strings for all decimals.
func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
