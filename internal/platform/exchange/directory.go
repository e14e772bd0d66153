package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// MarketDirectory resolves outcome token ids to markets, caching lookups so
// the listener does not hit the REST API for every chain event.
type MarketDirectory struct {
	client *Client
	cache  domain.MarketCache
}

// NewMarketDirectory creates a directory. cache may be nil to disable
// caching (every lookup goes to the API).
func NewMarketDirectory(client *Client, cache domain.MarketCache) *MarketDirectory {
	return &MarketDirectory{client: client, cache: cache}
}

// ResolveToken returns the market id and outcome for an outcome token id.
func (d *MarketDirectory) ResolveToken(ctx context.Context, tokenID string) (string, domain.Outcome, error) {
	if d.cache != nil {
		binding, err := d.cache.GetToken(ctx, tokenID)
		if err == nil {
			return binding.MarketID, binding.Outcome, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", "", fmt.Errorf("exchange: token cache %s: %w", tokenID, err)
		}
	}

	raw, err := d.client.fetchMarket(ctx, "/tokens/"+url.PathEscape(tokenID))
	if err != nil {
		return "", "", fmt.Errorf("exchange: resolve token %s: %w", tokenID, err)
	}

	bindings := raw.tokenBindings()
	if d.cache != nil {
		if err := d.cache.SetMarket(ctx, raw.toDomain(), bindings); err != nil {
			return "", "", fmt.Errorf("exchange: cache market %s: %w", raw.ID, err)
		}
	}

	binding, ok := bindings[tokenID]
	if !ok {
		return "", "", fmt.Errorf("exchange: token %s not present on market %s: %w", tokenID, raw.ID, domain.ErrNotFound)
	}
	return binding.MarketID, binding.Outcome, nil
}

// Market returns market metadata, cache-first.
func (d *MarketDirectory) Market(ctx context.Context, marketID string) (domain.Market, error) {
	if d.cache != nil {
		m, err := d.cache.GetMarket(ctx, marketID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("exchange: market cache %s: %w", marketID, err)
		}
	}

	raw, err := d.client.fetchMarket(ctx, "/markets/"+url.PathEscape(marketID))
	if err != nil {
		return domain.Market{}, fmt.Errorf("exchange: get market %s: %w", marketID, err)
	}

	market := raw.toDomain()
	if d.cache != nil {
		if err := d.cache.SetMarket(ctx, market, raw.tokenBindings()); err != nil {
			return domain.Market{}, fmt.Errorf("exchange: cache market %s: %w", marketID, err)
		}
	}
	return market, nil
}
