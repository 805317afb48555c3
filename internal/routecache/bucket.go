package routecache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// CacheMode controls how a bucket uses the cache
type CacheMode int

const (
	// Darkmode never reads or writes the cache
	Darkmode CacheMode = iota
	// Tapcompare serves live routes but reads the cache to log divergence
	Tapcompare
	// Livemode serves fresh cached routes and writes live ones back
	Livemode
)

func (m CacheMode) String() string {
	switch m {
	case Darkmode:
		return "darkmode"
	case Tapcompare:
		return "tapcompare"
	case Livemode:
		return "livemode"
	default:
		return "unknown"
	}
}

// ParseCacheMode parses the configuration spelling of a mode
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(s) {
	case "darkmode":
		return Darkmode, nil
	case "tapcompare":
		return Tapcompare, nil
	case "livemode":
		return Livemode, nil
	default:
		return Darkmode, fmt.Errorf("unknown cache mode: %q", s)
	}
}

const (
	// DefaultBlocksToLive applies when a bucket leaves BlocksToLive unset
	DefaultBlocksToLive uint64 = 2
	// DefaultWithLastNCachedRoutes applies when a bucket leaves WithLastNCachedRoutes unset
	DefaultWithLastNCachedRoutes = 4
)

// CachedRoutesBucket is the cache policy for trades up to Bucket in size.
type CachedRoutesBucket struct {
	// Bucket is the inclusive upper bound, in units of the amount token
	Bucket       decimal.Decimal
	BlocksToLive uint64
	CacheMode    CacheMode
	// MaxSplits rejects writes of routes with more splits; 0 means unlimited
	MaxSplits             int
	WithLastNCachedRoutes int
	// Unbounded makes this bucket also cover amounts above Bucket.
	// Only the largest bucket of a strategy may set it.
	Unbounded bool
}

func (b CachedRoutesBucket) withDefaults() CachedRoutesBucket {
	if b.BlocksToLive == 0 {
		b.BlocksToLive = DefaultBlocksToLive
	}
	if b.WithLastNCachedRoutes <= 0 {
		b.WithLastNCachedRoutes = DefaultWithLastNCachedRoutes
	}
	return b
}

// CachedRoutesStrategy holds the buckets for one pair and trade direction,
// sorted ascending by threshold.
type CachedRoutesStrategy struct {
	pair    PairTradeTypeChainID
	buckets []CachedRoutesBucket
}

// NewCachedRoutesStrategy sorts and validates buckets. An empty bucket list
// is valid and disables caching for the pair.
func NewCachedRoutesStrategy(pair PairTradeTypeChainID, buckets []CachedRoutesBucket) (*CachedRoutesStrategy, error) {
	sorted := make([]CachedRoutesBucket, len(buckets))
	for i, b := range buckets {
		if b.Bucket.IsNegative() {
			return nil, fmt.Errorf("strategy %s: negative bucket %s", pair, b.Bucket)
		}
		sorted[i] = b.withDefaults()
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bucket.LessThan(sorted[j].Bucket)
	})

	for i, b := range sorted {
		if i > 0 && b.Bucket.Equal(sorted[i-1].Bucket) {
			return nil, fmt.Errorf("strategy %s: duplicate bucket %s", pair, b.Bucket)
		}
		if b.Unbounded && i != len(sorted)-1 {
			return nil, fmt.Errorf("strategy %s: only the largest bucket may be unbounded", pair)
		}
	}

	return &CachedRoutesStrategy{pair: pair, buckets: sorted}, nil
}

// Pair returns the pair and direction the strategy applies to
func (s *CachedRoutesStrategy) Pair() PairTradeTypeChainID {
	return s.pair
}

// Buckets returns a copy of the sorted buckets
func (s *CachedRoutesStrategy) Buckets() []CachedRoutesBucket {
	out := make([]CachedRoutesBucket, len(s.buckets))
	copy(out, s.buckets)
	return out
}

// CachingBucket returns the smallest bucket whose threshold is at least
// amount, or the unbounded top bucket when amount exceeds every threshold.
// Negative amounts have no bucket.
func (s *CachedRoutesStrategy) CachingBucket(amount decimal.Decimal) (CachedRoutesBucket, bool) {
	if amount.IsNegative() || len(s.buckets) == 0 {
		return CachedRoutesBucket{}, false
	}

	i := sort.Search(len(s.buckets), func(i int) bool {
		return s.buckets[i].Bucket.GreaterThanOrEqual(amount)
	})
	if i < len(s.buckets) {
		return s.buckets[i], true
	}

	if top := s.buckets[len(s.buckets)-1]; top.Unbounded {
		return top, true
	}
	return CachedRoutesBucket{}, false
}
