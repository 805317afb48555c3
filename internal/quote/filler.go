package quote

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

// RouteWriter stores computed routes
type RouteWriter interface {
	SetCachedRoute(ctx context.Context, routes *routecache.CachedRoutes) bool
}

// FillerConfig holds Filler configuration
type FillerConfig struct {
	Cache    RouteWriter
	Computer routecache.RouteComputer
	Logger   *observability.Logger
	Meter    observability.Meter
}

// Filler recomputes routes for fill requests and writes them to the cache.
// Filling the same request twice rewrites the same key.
type Filler struct {
	cache    RouteWriter
	computer routecache.RouteComputer
	logger   *observability.Logger
	fills    observability.Counter
	duration observability.Histogram
}

// NewFiller creates a Filler
func NewFiller(cfg FillerConfig) (*Filler, error) {
	if cfg.Cache == nil || cfg.Computer == nil {
		return nil, fmt.Errorf("cache and computer are required")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}
	return &Filler{
		cache:    cfg.Cache,
		computer: cfg.Computer,
		logger:   observability.OrNop(cfg.Logger).Named("filler"),
		fills:    meter.Counter("route_cache_fills_total", "Processed fill requests by outcome"),
		duration: meter.Histogram("route_cache_fill_seconds", "Fill processing time"),
	}, nil
}

// Fill computes the route for req and caches it at req's block. Only route
// computation failures are returned, so callers can retry them; a write the
// cache declines is logged.
func (f *Filler) Fill(ctx context.Context, req routecache.FillRequest) error {
	start := time.Now()
	defer f.duration.RecordDuration(ctx, start)

	routes, err := f.computer.ComputeRoute(ctx, routecache.RouteRequestFromFill(req))
	if err != nil {
		f.fills.Inc(ctx, attribute.String("outcome", "error"))
		return fmt.Errorf("fill %s: %w", req.RequestID, err)
	}

	routes.TokenIn = req.TokenIn
	routes.TokenOut = req.TokenOut
	routes.TradeType = req.TradeType
	routes.Protocols = req.Protocols
	routes.OriginalAmount = req.Amount
	routes.BlockNumber = req.BlockNumber

	if !f.cache.SetCachedRoute(ctx, routes) {
		f.logger.LogWarn(ctx, "filled route was not cached",
			"request_id", req.RequestID, "pair", req.Pair().String(), "splits", routes.Splits())
		f.fills.Inc(ctx, attribute.String("outcome", "not_cached"))
		return nil
	}

	f.logger.LogInfo(ctx, "route cache filled",
		"request_id", req.RequestID, "pair", req.Pair().String(), "block", req.BlockNumber)
	f.fills.Inc(ctx, attribute.String("outcome", "cached"))
	return nil
}
