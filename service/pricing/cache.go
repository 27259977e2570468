package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const cacheKeyPrefix = "defigw:price:"

// CachedProvider fronts a Provider with a Redis cache. A nil Redis client
// makes it a transparent pass-through, so callers never branch on whether
// caching is configured. Cache failures degrade to upstream lookups.
type CachedProvider struct {
	upstream Provider
	rdb      *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCachedProvider wraps upstream with a cache. rdb may be nil.
func NewCachedProvider(upstream Provider, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
		logger:   logger.With("component", "pricing_cache"),
	}
}

// Prices serves what it can from cache, fetches the rest upstream, and
// back-fills the cache with fresh values.
func (p *CachedProvider) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if p.rdb == nil {
		return p.upstream.Prices(ctx, symbols)
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	missing := make([]string, 0, len(symbols))
	for _, s := range symbols {
		cached, err := p.rdb.Get(ctx, cacheKeyPrefix+s).Result()
		if err == nil {
			if v, perr := decimal.NewFromString(cached); perr == nil {
				out[s] = v
				continue
			}
		} else if err != redis.Nil {
			p.logger.Warn("cache read failed", "symbol", s, "error", err)
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := p.upstream.Prices(ctx, missing)
	if err != nil {
		return nil, err
	}
	for s, v := range fresh {
		out[s] = v
		if err := p.rdb.Set(ctx, cacheKeyPrefix+s, v.String(), p.ttl).Err(); err != nil {
			p.logger.Warn("cache write failed", "symbol", s, "error", err)
		}
	}
	return out, nil
}
