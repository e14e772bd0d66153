// Package exchange is the REST and WebSocket client for the prediction
// market exchange. Request failures are returned as *domain.CategorizedError
// so callers classify recovery actions without parsing message text.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
)

// rateLimitKey groups all outbound exchange calls under one shared window.
const rateLimitKey = "exchange"

// Config holds the client's connection parameters.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // default 30s
	RateLimit      int           // requests per RateWindow, 0 disables
	RateWindow     time.Duration
}

// Client implements domain.ExchangeClient against the exchange REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
}

// NewClient creates an authenticated exchange client. limiter may be nil,
// in which case requests are not client-side throttled.
func NewClient(cfg Config, auth *crypto.HMACAuth, limiter domain.RateLimiter) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		limiter:    limiter,
	}
}

// GetMarkets lists all markets.
func (c *Client) GetMarkets(ctx context.Context) ([]domain.Market, error) {
	var raw []apiMarket
	if err := c.doJSON(ctx, http.MethodGet, "/markets", nil, &raw); err != nil {
		return nil, fmt.Errorf("exchange: get markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, m.toDomain())
	}
	return markets, nil
}

// GetMarket fetches one market by id.
func (c *Client) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := c.fetchMarket(ctx, "/markets/"+url.PathEscape(marketID))
	if err != nil {
		return domain.Market{}, fmt.Errorf("exchange: get market %s: %w", marketID, err)
	}
	return m.toDomain(), nil
}

// GetMarketPrices fetches the current YES/NO quote for a market.
func (c *Client) GetMarketPrices(ctx context.Context, marketID string) (domain.MarketPrices, error) {
	var raw apiPrices
	if err := c.doJSON(ctx, http.MethodGet, "/markets/"+url.PathEscape(marketID)+"/prices", nil, &raw); err != nil {
		return domain.MarketPrices{}, fmt.Errorf("exchange: get prices %s: %w", marketID, err)
	}
	prices := raw.toDomain()
	if prices.MarketID == "" {
		prices.MarketID = marketID
	}
	return prices, nil
}

// GetOrderBook fetches the book snapshot for one outcome of a market.
func (c *Client) GetOrderBook(ctx context.Context, marketID string, outcome domain.Outcome) (domain.OrderBook, error) {
	path := fmt.Sprintf("/markets/%s/book?outcome=%s", url.PathEscape(marketID), outcome)

	var raw apiBook
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return domain.OrderBook{}, fmt.Errorf("exchange: get book %s/%s: %w", marketID, outcome, err)
	}
	book := raw.toDomain()
	book.MarketID = marketID
	book.Outcome = outcome
	return book, nil
}

// PlaceBuyOrder submits a limit buy.
func (c *Client) PlaceBuyOrder(ctx context.Context, marketID string, outcome domain.Outcome, quantity, price float64) (domain.OrderTicket, error) {
	return c.placeOrder(ctx, marketID, outcome, domain.TradeSideBuy, quantity, price)
}

// PlaceSellOrder submits a limit sell.
func (c *Client) PlaceSellOrder(ctx context.Context, marketID string, outcome domain.Outcome, quantity, price float64) (domain.OrderTicket, error) {
	return c.placeOrder(ctx, marketID, outcome, domain.TradeSideSell, quantity, price)
}

func (c *Client) placeOrder(ctx context.Context, marketID string, outcome domain.Outcome, side domain.TradeSide, quantity, price float64) (domain.OrderTicket, error) {
	body := map[string]any{
		"market_id": marketID,
		"outcome":   string(outcome),
		"side":      string(side),
		"quantity":  formatDecimal(quantity),
		"price":     formatDecimal(price),
		"type":      "limit",
	}

	var raw apiOrderResult
	if err := c.doJSON(ctx, http.MethodPost, "/orders", body, &raw); err != nil {
		return domain.OrderTicket{}, fmt.Errorf("exchange: place %s order %s/%s: %w", side, marketID, outcome, err)
	}
	return raw.toTicket(), nil
}

// CancelOrder cancels a single order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, &result); err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, err)
	}
	if !result.Success {
		return fmt.Errorf("exchange: cancel order %s: %s", orderID, result.Message)
	}
	return nil
}

// GetOrderStatus fetches the exchange's view of an existing order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	var raw apiOrderState
	if err := c.doJSON(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return domain.OrderState{}, fmt.Errorf("exchange: get order %s: %w", orderID, err)
	}
	return raw.toDomain(), nil
}

// GetOpenPositions lists the authenticated user's open positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var raw []apiPosition
	if err := c.doJSON(ctx, http.MethodGet, "/positions", nil, &raw); err != nil {
		return nil, fmt.Errorf("exchange: get positions: %w", err)
	}

	positions := make([]domain.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, p.toDomain())
	}
	return positions, nil
}

// GetBalance fetches the authenticated user's available balance.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	var raw apiBalance
	if err := c.doJSON(ctx, http.MethodGet, "/balance", nil, &raw); err != nil {
		return domain.Balance{}, fmt.Errorf("exchange: get balance: %w", err)
	}
	return raw.toDomain(), nil
}

// fetchMarket is shared by GetMarket and the token directory, which also
// needs the raw token bindings.
func (c *Client) fetchMarket(ctx context.Context, path string) (apiMarket, error) {
	var raw apiMarket
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return apiMarket{}, err
	}
	return raw, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doJSON builds, throttles, signs, sends, and decodes an API request.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.waitTurn(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.CategorizedError{Category: domain.ExecErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.CategorizedError{Category: domain.ExecErrNetwork, Err: err}
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// waitTurn blocks until the shared rate limit window admits one request.
func (c *Client) waitTurn(ctx context.Context) error {
	if c.limiter == nil || c.cfg.RateLimit <= 0 {
		return nil
	}
	for {
		allowed, err := c.limiter.Allow(ctx, rateLimitKey, c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// checkHTTPStatus maps non-2xx responses to categorized errors, preferring
// the structured error code over substring heuristics.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = string(body)
	}
	base := fmt.Errorf("HTTP %d: %s", statusCode, msg)

	if apiErr.Code != "" {
		if cat := categoryForCode(apiErr.Code); cat != domain.ExecErrNone {
			return &domain.CategorizedError{Category: cat, Err: base}
		}
	}

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &domain.CategorizedError{Category: domain.ExecErrInvalidAPIKeys, Err: base}
	case statusCode == http.StatusTooManyRequests:
		return &domain.CategorizedError{Category: domain.ExecErrRateLimit, Err: fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)}
	case statusCode >= 500:
		return &domain.CategorizedError{Category: domain.ExecErrNetwork, Err: base}
	default:
		return &domain.CategorizedError{Category: domain.ClassifyExecError(errors.New(msg)), Err: base}
	}
}

// categoryForCode maps the exchange's structured error codes to execution
// error categories.
func categoryForCode(code string) domain.ExecErrorCategory {
	switch code {
	case "insufficient_funds", "insufficient_balance":
		return domain.ExecErrInsufficientFunds
	case "market_closed", "market_not_tradeable":
		return domain.ExecErrMarketClosed
	case "rate_limited":
		return domain.ExecErrRateLimit
	case "invalid_api_key", "invalid_signature":
		return domain.ExecErrInvalidAPIKeys
	case "order_rejected", "invalid_order":
		return domain.ExecErrOrderRejected
	default:
		return domain.ExecErrNone
	}
}

// Compile-time interface check.
var _ domain.ExchangeClient = (*Client)(nil)
