package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using Redis hashes with JSON-
// serialized Market data and a secondary token-to-market index.
//
// Key schema:
//
//	market:{id}            - hash with field "data" containing JSON
//	market:token:{tokenID} - JSON-encoded TokenBinding
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketKey(id string) string       { return "market:" + id }
func marketTokenKey(tok string) string { return "market:token:" + tok }

// SetMarket stores a Market with a 5-minute TTL along with the bindings from
// its outcome token ids to (market, outcome).
func (mc *MarketCache) SetMarket(ctx context.Context, market domain.Market, tokens map[string]domain.TokenBinding) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	key := marketKey(market.ID)

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, marketTTL)

	for tokenID, binding := range tokens {
		if tokenID == "" {
			continue
		}
		bd, err := json.Marshal(binding)
		if err != nil {
			return fmt.Errorf("redis: marshal token binding %s: %w", tokenID, err)
		}
		pipe.Set(ctx, marketTokenKey(tokenID), bd, marketTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// GetMarket retrieves a Market by its ID. It returns domain.ErrNotFound when
// the key does not exist or has expired.
func (mc *MarketCache) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// GetToken looks up the binding for an outcome token id.
// It returns domain.ErrNotFound if the token is not indexed.
func (mc *MarketCache) GetToken(ctx context.Context, tokenID string) (domain.TokenBinding, error) {
	data, err := mc.rdb.Get(ctx, marketTokenKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TokenBinding{}, domain.ErrNotFound
		}
		return domain.TokenBinding{}, fmt.Errorf("redis: get token %s: %w", tokenID, err)
	}

	var binding domain.TokenBinding
	if err := json.Unmarshal(data, &binding); err != nil {
		return domain.TokenBinding{}, fmt.Errorf("redis: unmarshal token %s: %w", tokenID, err)
	}
	return binding, nil
}

// Invalidate removes a Market from the cache. Token index entries are left
// to expire on their own TTL since the binding rarely changes.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
