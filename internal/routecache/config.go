package routecache

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-route-cache/internal/platform/config"
)

// StrategiesFromConfig builds strategies from their config form. Token
// symbols are resolved through the token registry.
func StrategiesFromConfig(cfgs []config.StrategyConfig) ([]*CachedRoutesStrategy, error) {
	strategies := make([]*CachedRoutesStrategy, 0, len(cfgs))
	for i, sc := range cfgs {
		tokenIn, err := config.ResolveTokenAddress(sc.TokenIn)
		if err != nil {
			return nil, fmt.Errorf("strategy %d: token_in: %w", i, err)
		}
		tokenOut, err := config.ResolveTokenAddress(sc.TokenOut)
		if err != nil {
			return nil, fmt.Errorf("strategy %d: token_out: %w", i, err)
		}
		tradeType, err := ParseTradeType(sc.TradeType)
		if err != nil {
			return nil, fmt.Errorf("strategy %d: %w", i, err)
		}

		buckets := make([]CachedRoutesBucket, 0, len(sc.Buckets))
		for _, bc := range sc.Buckets {
			threshold, err := decimal.NewFromString(bc.Bucket)
			if err != nil {
				return nil, fmt.Errorf("strategy %d: bucket %q: %w", i, bc.Bucket, err)
			}
			mode, err := ParseCacheMode(bc.CacheMode)
			if err != nil {
				return nil, fmt.Errorf("strategy %d: bucket %s: %w", i, bc.Bucket, err)
			}
			buckets = append(buckets, CachedRoutesBucket{
				Bucket:                threshold,
				BlocksToLive:          bc.BlocksToLive,
				CacheMode:             mode,
				MaxSplits:             bc.MaxSplits,
				WithLastNCachedRoutes: bc.WithLastNCachedRoutes,
				Unbounded:             bc.Unbounded,
			})
		}

		s, err := NewCachedRoutesStrategy(NewPairTradeTypeChainID(tokenIn, tokenOut, tradeType), buckets)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, nil
}
