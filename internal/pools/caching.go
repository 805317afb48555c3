package pools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// poolRecord is the cached value for one pool key. A nil Pool records that
// no pool is deployed for the key.
type poolRecord struct {
	Pool *Pool `json:"pool"`
}

// CachingProviderConfig holds CachingProvider configuration
type CachingProviderConfig struct {
	Cache    cache.Cache
	Provider Provider
	FeeTiers []uint32
	// WarmPairs are loaded by Warmup
	WarmPairs []Pair
	Logger    *observability.Logger
	Meter     observability.Meter
}

// CachingProvider is a write-through cache in front of another Provider.
// Entries carry no TTL; refreshing them is the warmer's job.
type CachingProvider struct {
	cache     cache.Cache
	provider  Provider
	feeTiers  []uint32
	warmPairs []Pair
	logger    *observability.Logger
	lookups   observability.Counter
}

// NewCachingProvider creates a CachingProvider
func NewCachingProvider(cfg CachingProviderConfig) (*CachingProvider, error) {
	if cfg.Cache == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("cache and provider are required")
	}
	if len(cfg.FeeTiers) == 0 {
		cfg.FeeTiers = DefaultFeeTiers
	}
	tiers := append([]uint32(nil), cfg.FeeTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &CachingProvider{
		cache:     cfg.Cache,
		provider:  cfg.Provider,
		feeTiers:  tiers,
		warmPairs: cfg.WarmPairs,
		logger:    observability.OrNop(cfg.Logger).Named("pool_cache"),
		lookups:   meter.Counter("pool_cache_lookups_total", "Pool cache lookups by result"),
	}, nil
}

// GetPools serves the pair from cache when every fee tier is cached,
// otherwise loads it from the underlying provider and writes each tier back.
func (c *CachingProvider) GetPools(ctx context.Context, pair Pair) ([]Pool, error) {
	pools := make([]Pool, 0, len(c.feeTiers))
	for _, fee := range c.feeTiers {
		record, ok := c.read(ctx, PoolKey{Pair: pair, Fee: fee})
		if !ok {
			return c.load(ctx, pair)
		}
		if record.Pool != nil {
			pools = append(pools, *record.Pool)
		}
	}
	c.lookups.Inc(ctx, attribute.String("result", "hit"))
	return pools, nil
}

func (c *CachingProvider) load(ctx context.Context, pair Pair) ([]Pool, error) {
	c.lookups.Inc(ctx, attribute.String("result", "miss"))

	pools, err := c.provider.GetPools(ctx, pair)
	if err != nil {
		return nil, err
	}

	byFee := make(map[uint32]Pool, len(pools))
	for _, p := range pools {
		byFee[p.Fee] = p
	}
	for _, fee := range c.feeTiers {
		record := poolRecord{}
		if p, ok := byFee[fee]; ok {
			record.Pool = &p
		}
		c.write(ctx, PoolKey{Pair: pair, Fee: fee}, record)
	}
	return pools, nil
}

// GetPoolAddress answers from the cached pool record when one exists
func (c *CachingProvider) GetPoolAddress(ctx context.Context, key PoolKey) (common.Address, error) {
	if record, ok := c.read(ctx, key); ok && record.Pool != nil {
		return record.Pool.Address, nil
	}
	return c.provider.GetPoolAddress(ctx, key)
}

// read treats store failures and undecodable records as misses
func (c *CachingProvider) read(ctx context.Context, key PoolKey) (poolRecord, bool) {
	data, err := c.cache.Get(ctx, key.CacheKey())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.LogWarn(ctx, "pool cache read failed", "key", key.CacheKey(), "error", err)
		}
		return poolRecord{}, false
	}

	var record poolRecord
	if err := json.Unmarshal(data, &record); err != nil {
		c.logger.LogWarn(ctx, "dropping malformed pool cache entry", "key", key.CacheKey(), "error", err)
		return poolRecord{}, false
	}
	return record, true
}

func (c *CachingProvider) write(ctx context.Context, key PoolKey, record poolRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		c.logger.LogError(ctx, "failed to encode pool record", err, "key", key.CacheKey())
		return
	}
	if err := c.cache.Set(ctx, key.CacheKey(), data, 0); err != nil {
		c.logger.LogWarn(ctx, "pool cache write failed", "key", key.CacheKey(), "error", err)
	}
}

// Refresh reloads a pair from the underlying provider, overwriting cached tiers
func (c *CachingProvider) Refresh(ctx context.Context, pair Pair) error {
	_, err := c.load(ctx, pair)
	return err
}

// Name implements cache.WarmupProvider
func (c *CachingProvider) Name() string {
	return "pool_cache"
}

// Warmup refreshes every configured warm pair
func (c *CachingProvider) Warmup(ctx context.Context) error {
	var errs []error
	for _, pair := range c.warmPairs {
		if err := c.Refresh(ctx, pair); err != nil {
			errs = append(errs, fmt.Errorf("warm %s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}
