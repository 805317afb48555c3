package cache

import (
	"context"
	"errors"
	"time"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// DefaultL1MaxTTL caps how long a value lives in the memory tier
const DefaultL1MaxTTL = 1 * time.Minute

// LayeredCacheConfig configures a LayeredCache. Either layer may be nil.
type LayeredCacheConfig struct {
	L1       Cache
	L2       Cache
	L1MaxTTL time.Duration
	Logger   *observability.Logger
}

// LayeredCache implements a two-tier cache (L1: memory, L2: Redis or DynamoDB)
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
	logger   *observability.Logger
}

// NewLayeredCache creates a layered cache with the default L1 TTL cap
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithConfig(LayeredCacheConfig{L1: l1, L2: l2})
}

// NewLayeredCacheWithConfig creates a layered cache
func NewLayeredCacheWithConfig(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = DefaultL1MaxTTL
	}

	return &LayeredCache{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		logger:   observability.OrNop(cfg.Logger),
	}
}

// Get retrieves a value from cache (L1 → L2 → miss). L1 failures degrade to
// L2; L2 failures other than a miss are returned.
func (lc *LayeredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if lc.l1 != nil {
		val, err := lc.l1.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lc.logger.LogWarn(ctx, "L1 cache get failed, falling back to L2", "key", key, "error", err)
		}
	}

	if lc.l2 == nil {
		return nil, ErrNotFound
	}

	val, err := lc.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if lc.l1 != nil {
		_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
	}
	return val, nil
}

// Set writes through to both layers; it fails only if every present layer fails
func (lc *LayeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Set(ctx, key, value, lc.capL1(ttl))
		if l1Err != nil {
			lc.logger.LogWarn(ctx, "L1 cache set failed", "key", key, "error", l1Err)
		}
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
	}

	switch {
	case lc.l2 == nil:
		return l1Err
	case lc.l1 == nil:
		return l2Err
	case l1Err != nil && l2Err != nil:
		return l2Err
	}

	if l2Err != nil {
		lc.logger.LogWarn(ctx, "L2 cache set failed", "key", key, "error", l2Err)
	}
	return nil
}

func (lc *LayeredCache) capL1(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > lc.l1MaxTTL {
		return lc.l1MaxTTL
	}
	return ttl
}

// Delete removes a key from both cache layers
func (lc *LayeredCache) Delete(ctx context.Context, key string) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Delete(ctx, key)
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Delete(ctx, key)
	}

	return errors.Join(l1Err, l2Err)
}

// Close closes both cache layers
func (lc *LayeredCache) Close() error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Close()
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Close()
	}

	return errors.Join(l1Err, l2Err)
}

// InvalidateL1 invalidates only L1 cache for a key
func (lc *LayeredCache) InvalidateL1(ctx context.Context, key string) error {
	if lc.l1 != nil {
		return lc.l1.Delete(ctx, key)
	}
	return nil
}
