package routecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// DefaultOptimisticExtraBlocks is the extra staleness accepted by optimistic reads
const DefaultOptimisticExtraBlocks uint64 = 5

// TokenAmount is a trade amount in units of Token
type TokenAmount struct {
	Token  string
	Amount decimal.Decimal
}

// StoreConfig holds Store configuration
type StoreConfig struct {
	Routes     cache.SortedStore
	Strategies []*CachedRoutesStrategy
	// OptimisticExtraBlocks widens the freshness window of optimistic reads
	// and extends the store TTL of written entries. Nil selects the default.
	OptimisticExtraBlocks *uint64
	BlockTime             time.Duration
	Logger                *observability.Logger
	Meter                 observability.Meter
	Tracer                observability.Tracer
}

// Store reads and writes cached routes.
type Store struct {
	routes     cache.SortedStore
	strategies map[PairTradeTypeChainID]*CachedRoutesStrategy
	extra      uint64
	blockTime  time.Duration
	logger     *observability.Logger
	tracer     observability.Tracer
	lookups    observability.Counter
	writes     observability.Counter
}

// NewStore creates a Store. Strategies are keyed by their pair; a second
// strategy for the same pair is an error.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Routes == nil {
		return nil, fmt.Errorf("routes store is required")
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 12 * time.Second
	}

	extra := DefaultOptimisticExtraBlocks
	if cfg.OptimisticExtraBlocks != nil {
		extra = *cfg.OptimisticExtraBlocks
	}

	strategies := make(map[PairTradeTypeChainID]*CachedRoutesStrategy, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if _, dup := strategies[s.Pair()]; dup {
			return nil, fmt.Errorf("duplicate strategy for %s", s.Pair())
		}
		strategies[s.Pair()] = s
	}

	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	return &Store{
		routes:     cfg.Routes,
		strategies: strategies,
		extra:      extra,
		blockTime:  cfg.BlockTime,
		logger:     observability.OrNop(cfg.Logger).Named("route_cache"),
		tracer:     tracer,
		lookups:    meter.Counter("route_cache_lookups_total", "Cached route lookups by result"),
		writes:     meter.Counter("route_cache_writes_total", "Cached route writes by result"),
	}, nil
}

// resolve finds the strategy bucket covering a trade
func (s *Store) resolve(pair PairTradeTypeChainID, amount decimal.Decimal) (CachedRoutesBucket, error) {
	strategy, ok := s.strategies[pair]
	if !ok {
		return CachedRoutesBucket{}, fmt.Errorf("%w: pair %s", ErrNoStrategy, pair)
	}
	bucket, ok := strategy.CachingBucket(amount)
	if !ok {
		return CachedRoutesBucket{}, fmt.Errorf("%w: pair %s has no bucket for amount %s", ErrNoStrategy, pair, amount)
	}
	return bucket, nil
}

// Bucket returns the bucket for a quote, if any
func (s *Store) Bucket(amount TokenAmount, quoteToken string, tradeType TradeType) (CachedRoutesBucket, bool) {
	bucket, err := s.resolve(PairForQuote(amount.Token, quoteToken, tradeType), amount.Amount)
	return bucket, err == nil
}

// CacheMode returns the mode of the bucket covering the trade, or Darkmode
// when no strategy or bucket covers it.
func (s *Store) CacheMode(amount TokenAmount, quoteToken string, tradeType TradeType, protocols []string) CacheMode {
	bucket, ok := s.Bucket(amount, quoteToken, tradeType)
	if !ok {
		return Darkmode
	}
	return bucket.CacheMode
}

// isFresh reports whether an entry computed at entryBlock may serve a request
// at currentBlock. Entries newer than currentBlock are always usable, so a
// caller with a lagging block source still gets hits.
func isFresh(entryBlock, currentBlock, tolerance uint64) bool {
	if entryBlock >= currentBlock {
		return true
	}
	return currentBlock-entryBlock <= tolerance
}

// GetCachedRoute returns the freshest usable cached route for the trade.
// Store failures and malformed entries read as a miss.
//
// When several entries are usable the highest block wins, ties going to the
// entry with fewer splits. Routes of the other usable entries are appended to
// the winner as extra candidates, deduplicated by route ID.
func (s *Store) GetCachedRoute(
	ctx context.Context,
	amount TokenAmount,
	quoteToken string,
	tradeType TradeType,
	protocols []string,
	currentBlockNumber uint64,
	optimistic bool,
) (*CachedRoutes, bool) {
	pair := PairForQuote(amount.Token, quoteToken, tradeType)

	ctx, span := s.tracer.StartSpan(ctx, "routecache.GetCachedRoute",
		attribute.String("pair", pair.String()),
		attribute.Int64("block", int64(currentBlockNumber)),
		attribute.Bool("optimistic", optimistic),
	)
	defer span.End()

	bucket, err := s.resolve(pair, amount.Amount)
	if err != nil {
		s.logger.LogDebug(ctx, "route cache disabled for request", "error", err)
		s.lookups.Inc(ctx, attribute.String("result", "no_strategy"))
		return nil, false
	}
	if bucket.CacheMode == Darkmode {
		s.lookups.Inc(ctx, attribute.String("result", "darkmode"))
		return nil, false
	}

	prefix := NewProtocolsBucketPrefix(protocols, bucket.Bucket).ProtocolsBucketPartialKey()
	items, err := s.routes.Query(ctx, pair.String(), prefix, bucket.WithLastNCachedRoutes)
	if err != nil {
		span.NoticeError(err)
		s.logger.LogWarn(ctx, "route cache read failed, treating as miss",
			"pair", pair.String(), "prefix", prefix, "error", err)
		s.lookups.Inc(ctx, attribute.String("result", "error"))
		return nil, false
	}

	tolerance := bucket.BlocksToLive
	if optimistic {
		tolerance += s.extra
	}

	usable := make([]*CachedRoutes, 0, len(items))
	for _, item := range items {
		entry, err := decodeCachedRoutes(item.Value)
		if err != nil {
			s.logger.LogWarn(ctx, "skipping malformed route cache entry",
				"pair", pair.String(), "sort_key", item.SortKey, "error", err)
			continue
		}
		if isFresh(entry.BlockNumber, currentBlockNumber, tolerance) {
			usable = append(usable, entry)
		}
	}

	if len(usable) == 0 {
		result := "miss"
		if len(items) > 0 {
			result = "stale"
		}
		s.lookups.Inc(ctx, attribute.String("result", result))
		return nil, false
	}

	s.lookups.Inc(ctx, attribute.String("result", "hit"))
	span.SetAttributes(attribute.Int("usable_entries", len(usable)))
	return mergeUsable(usable), true
}

// mergeUsable orders entries by block descending then splits ascending and
// folds the others' routes into the first.
func mergeUsable(entries []*CachedRoutes) *CachedRoutes {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber > entries[j].BlockNumber
		}
		return entries[i].Splits() < entries[j].Splits()
	})

	winner := *entries[0]
	if len(entries) == 1 {
		return &winner
	}

	seen := make(map[string]struct{})
	routes := make([]CachedRoute, 0, len(winner.Routes))
	for _, e := range entries {
		for _, r := range e.Routes {
			if _, dup := seen[r.RouteID]; dup {
				continue
			}
			seen[r.RouteID] = struct{}{}
			routes = append(routes, r)
		}
	}
	winner.Routes = routes
	return &winner
}

// SetCachedRoute writes routes under their full sort key. It returns false
// without touching the store when no bucket covers the original amount, the
// bucket is in Darkmode, or the route has more splits than the bucket allows.
// Store failures are logged and reported as false.
func (s *Store) SetCachedRoute(ctx context.Context, routes *CachedRoutes) bool {
	pair := routes.Pair()

	bucket, err := s.resolve(pair, routes.OriginalAmount)
	if err != nil {
		s.logger.LogDebug(ctx, "not caching route", "error", err)
		s.writes.Inc(ctx, attribute.String("result", "no_strategy"))
		return false
	}
	if bucket.CacheMode == Darkmode {
		s.writes.Inc(ctx, attribute.String("result", "darkmode"))
		return false
	}
	if bucket.MaxSplits > 0 && routes.Splits() > bucket.MaxSplits {
		s.logger.LogDebug(ctx, "not caching route with too many splits",
			"pair", pair.String(), "splits", routes.Splits(), "max_splits", bucket.MaxSplits)
		s.writes.Inc(ctx, attribute.String("result", "too_many_splits"))
		return false
	}

	record := *routes
	record.TokenIn = pair.TokenIn
	record.TokenOut = pair.TokenOut
	record.Protocols = NormalizeProtocols(routes.Protocols)
	record.BlocksToLive = bucket.BlocksToLive

	value, err := encodeCachedRoutes(&record)
	if err != nil {
		s.logger.LogError(ctx, "failed to encode cached routes", err, "pair", pair.String())
		s.writes.Inc(ctx, attribute.String("result", "error"))
		return false
	}

	sortKey := NewProtocolsBucketBlockNumber(record.Protocols, bucket.Bucket, record.BlockNumber).FullKey()
	ttl := time.Duration(bucket.BlocksToLive+s.extra) * s.blockTime

	if err := s.routes.Put(ctx, pair.String(), sortKey, value, ttl); err != nil {
		s.logger.LogError(ctx, "route cache write failed", err,
			"pair", pair.String(), "sort_key", sortKey,
			"unavailable", errors.Is(err, cache.ErrUnavailable))
		s.writes.Inc(ctx, attribute.String("result", "error"))
		return false
	}

	s.writes.Inc(ctx, attribute.String("result", "ok"))
	return true
}
