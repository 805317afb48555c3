// Package quote serves trade routes from the route cache with live
// computation as the fallback, and refills the cache in the background.
package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

// Result sources
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// BlockSource reports the current block number
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RouteCache is the part of routecache.Store the service uses
type RouteCache interface {
	Bucket(amount routecache.TokenAmount, quoteToken string, tradeType routecache.TradeType) (routecache.CachedRoutesBucket, bool)
	CacheMode(amount routecache.TokenAmount, quoteToken string, tradeType routecache.TradeType, protocols []string) routecache.CacheMode
	GetCachedRoute(ctx context.Context, amount routecache.TokenAmount, quoteToken string, tradeType routecache.TradeType, protocols []string, currentBlockNumber uint64, optimistic bool) (*routecache.CachedRoutes, bool)
	SetCachedRoute(ctx context.Context, routes *routecache.CachedRoutes) bool
	NewFillRequest(amount routecache.TokenAmount, quoteToken string, tradeType routecache.TradeType, protocols []string, blockNumber uint64) (routecache.FillRequest, bool)
}

// FillTrigger schedules a background cache fill
type FillTrigger interface {
	Trigger(ctx context.Context, req routecache.FillRequest)
}

// Request is a quote request. Amount is denominated in AmountToken.
type Request struct {
	AmountToken string
	QuoteToken  string
	Amount      decimal.Decimal
	TradeType   routecache.TradeType
	Protocols   []string
	// Optimistic accepts slightly older cached routes
	Optimistic bool
}

// Result is a served quote
type Result struct {
	Routes      *routecache.CachedRoutes
	Source      string
	CacheMode   routecache.CacheMode
	BlockNumber uint64
}

// ServiceConfig holds Service configuration
type ServiceConfig struct {
	Cache    RouteCache
	Computer routecache.RouteComputer
	Blocks   BlockSource
	// Fills is optional; without it optimistic hits are not refreshed
	Fills  FillTrigger
	Logger *observability.Logger
	Meter  observability.Meter
	Tracer observability.Tracer
}

// Service answers quote requests
type Service struct {
	cache    RouteCache
	computer routecache.RouteComputer
	blocks   BlockSource
	fills    FillTrigger
	logger   *observability.Logger
	tracer   observability.Tracer
	quotes   observability.Counter
	diverged observability.Counter
	duration observability.Histogram
}

// NewService creates a Service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Cache == nil || cfg.Computer == nil || cfg.Blocks == nil {
		return nil, fmt.Errorf("cache, computer and block source are required")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	return &Service{
		cache:    cfg.Cache,
		computer: cfg.Computer,
		blocks:   cfg.Blocks,
		fills:    cfg.Fills,
		logger:   observability.OrNop(cfg.Logger).Named("quote"),
		tracer:   tracer,
		quotes:   meter.Counter("quote_requests_total", "Quote requests by cache mode and source"),
		diverged: meter.Counter("quote_tapcompare_divergence_total", "Tapcompare cached vs live differences by kind"),
		duration: meter.Histogram("quote_request_seconds", "Quote latency"),
	}, nil
}

// Quote returns a route for req. Only live computation failures are returned;
// every cache problem degrades to live computation.
func (s *Service) Quote(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := s.tracer.StartSpan(ctx, "quote.Quote",
		attribute.String("amount_token", req.AmountToken),
		attribute.String("quote_token", req.QuoteToken),
		attribute.String("trade_type", req.TradeType.String()),
	)
	defer span.End()

	amount := routecache.TokenAmount{Token: req.AmountToken, Amount: req.Amount}

	mode := s.cache.CacheMode(amount, req.QuoteToken, req.TradeType, req.Protocols)
	block, err := s.blocks.BlockNumber(ctx)
	if err != nil {
		s.logger.LogWarn(ctx, "block number unavailable, bypassing route cache", "error", err)
		mode = routecache.Darkmode
	}
	span.SetAttributes(attribute.String("cache_mode", mode.String()))

	var result *Result
	switch mode {
	case routecache.Livemode:
		result, err = s.livemode(ctx, req, amount, block)
	case routecache.Tapcompare:
		result, err = s.tapcompare(ctx, req, amount, block)
	default:
		result, err = s.live(ctx, req, block)
	}
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}

	result.CacheMode = mode
	s.quotes.Inc(ctx, attribute.String("mode", mode.String()), attribute.String("source", result.Source))
	s.duration.RecordDuration(ctx, start, attribute.String("source", result.Source))
	return result, nil
}

func (s *Service) livemode(ctx context.Context, req Request, amount routecache.TokenAmount, block uint64) (*Result, error) {
	cached, ok := s.cache.GetCachedRoute(ctx, amount, req.QuoteToken, req.TradeType, req.Protocols, block, req.Optimistic)
	if ok {
		s.refreshIfStale(ctx, req, amount, cached, block)
		return &Result{Routes: cached, Source: SourceCache, BlockNumber: cached.BlockNumber}, nil
	}

	s.triggerFill(ctx, req, amount, block)

	result, err := s.live(ctx, req, block)
	if err != nil {
		return nil, err
	}
	s.cache.SetCachedRoute(ctx, result.Routes)
	return result, nil
}

// refreshIfStale triggers a fill for optimistic hits outside the strict
// freshness window.
func (s *Service) refreshIfStale(ctx context.Context, req Request, amount routecache.TokenAmount, cached *routecache.CachedRoutes, block uint64) {
	if cached.BlockNumber >= block {
		return
	}
	bucket, ok := s.cache.Bucket(amount, req.QuoteToken, req.TradeType)
	if !ok || block-cached.BlockNumber <= bucket.BlocksToLive {
		return
	}
	s.triggerFill(ctx, req, amount, block)
}

// triggerFill schedules a deduplicated background fill; it never blocks
func (s *Service) triggerFill(ctx context.Context, req Request, amount routecache.TokenAmount, block uint64) {
	if s.fills == nil {
		return
	}
	if fill, ok := s.cache.NewFillRequest(amount, req.QuoteToken, req.TradeType, req.Protocols, block); ok {
		s.fills.Trigger(ctx, fill)
	}
}

func (s *Service) tapcompare(ctx context.Context, req Request, amount routecache.TokenAmount, block uint64) (*Result, error) {
	result, err := s.live(ctx, req, block)
	if err != nil {
		return nil, err
	}

	cached, ok := s.cache.GetCachedRoute(ctx, amount, req.QuoteToken, req.TradeType, req.Protocols, block, req.Optimistic)
	if ok {
		s.compareCached(ctx, cached, result.Routes)
	} else {
		s.diverged.Inc(ctx, attribute.String("kind", "miss"))
	}

	s.cache.SetCachedRoute(ctx, result.Routes)
	return result, nil
}

// compareCached logs how a cached route differs from the live one
func (s *Service) compareCached(ctx context.Context, cached, live *routecache.CachedRoutes) {
	blockDelta := int64(live.BlockNumber) - int64(cached.BlockNumber)

	cachedIDs := make(map[string]struct{}, len(cached.Routes))
	for _, id := range cached.RouteIDs() {
		cachedIDs[id] = struct{}{}
	}
	sameRoutes := len(cachedIDs) == len(live.Routes)
	for _, id := range live.RouteIDs() {
		if _, ok := cachedIDs[id]; !ok {
			sameRoutes = false
			break
		}
	}

	if sameRoutes {
		s.diverged.Inc(ctx, attribute.String("kind", "match"))
		return
	}
	s.diverged.Inc(ctx, attribute.String("kind", "routes"))
	s.logger.LogInfo(ctx, "cached route differs from live route",
		"pair", live.Pair().String(),
		"block_delta", blockDelta,
		"cached_routes", cached.RouteIDs(),
		"live_routes", live.RouteIDs(),
	)
}

func (s *Service) live(ctx context.Context, req Request, block uint64) (*Result, error) {
	pair := routecache.PairForQuote(req.AmountToken, req.QuoteToken, req.TradeType)
	routes, err := s.computer.ComputeRoute(ctx, routecache.RouteRequest{
		TokenIn:   pair.TokenIn,
		TokenOut:  pair.TokenOut,
		Amount:    req.Amount,
		TradeType: req.TradeType,
		Protocols: req.Protocols,
	})
	if err != nil {
		return nil, fmt.Errorf("compute route: %w", err)
	}

	if block > 0 {
		routes.BlockNumber = block
	}
	routes.TokenIn = pair.TokenIn
	routes.TokenOut = pair.TokenOut
	routes.TradeType = req.TradeType
	routes.OriginalAmount = req.Amount
	routes.Protocols = routecache.NormalizeProtocols(req.Protocols)

	return &Result{Routes: routes, Source: SourceLive, BlockNumber: routes.BlockNumber}, nil
}
