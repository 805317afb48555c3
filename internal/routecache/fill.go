package routecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/worker"
)

// DefaultFlagTTL bounds how long a dispatched fill suppresses duplicates
const DefaultFlagTTL = 30 * time.Second

// Invoker dispatches a payload to an asynchronous function without waiting
// for its result.
type Invoker interface {
	Invoke(ctx context.Context, functionID string, payload []byte) error
}

// Runner runs jobs off the caller's goroutine
type Runner interface {
	TrySubmit(job worker.Job) error
}

// Limiter gates dispatch rate
type Limiter interface {
	Allow() bool
}

// FillRequest asks the filler to recompute and cache one route.
type FillRequest struct {
	RequestID   string          `json:"requestId"`
	TokenIn     string          `json:"tokenIn"`
	TokenOut    string          `json:"tokenOut"`
	Amount      decimal.Decimal `json:"amount"`
	TradeType   TradeType       `json:"tradeType"`
	Protocols   []string        `json:"protocols"`
	BlockNumber uint64          `json:"blockNumber"`
	Bucket      decimal.Decimal `json:"bucket"`
}

// Pair is the partition key the filled route will be written under
func (r FillRequest) Pair() PairTradeTypeChainID {
	return NewPairTradeTypeChainID(r.TokenIn, r.TokenOut, r.TradeType)
}

// flagKey identifies a fill in the flag table: one fill per pair, protocol
// set and bucket while the flag lives, whatever block it was requested at.
func (r FillRequest) flagKey() (string, string) {
	sk := NewProtocolsBucketPrefix(r.Protocols, r.Bucket).ProtocolsBucketPartialKey()
	return r.Pair().String(), sk
}

// NewFillRequest builds a fill request for the bucket covering a quote.
// ok is false when caching is disabled for the trade.
func (s *Store) NewFillRequest(amount TokenAmount, quoteToken string, tradeType TradeType, protocols []string, blockNumber uint64) (FillRequest, bool) {
	pair := PairForQuote(amount.Token, quoteToken, tradeType)
	bucket, err := s.resolve(pair, amount.Amount)
	if err != nil || bucket.CacheMode == Darkmode {
		return FillRequest{}, false
	}
	return FillRequest{
		RequestID:   uuid.NewString(),
		TokenIn:     pair.TokenIn,
		TokenOut:    pair.TokenOut,
		Amount:      amount.Amount,
		TradeType:   tradeType,
		Protocols:   NormalizeProtocols(protocols),
		BlockNumber: blockNumber,
		Bucket:      bucket.Bucket,
	}, true
}

// DecodeFillRequest parses a payload produced by the coordinator
func DecodeFillRequest(data []byte) (FillRequest, error) {
	var req FillRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return FillRequest{}, fmt.Errorf("decode fill request: %w", err)
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		return FillRequest{}, fmt.Errorf("decode fill request: missing tokens")
	}
	return req, nil
}

// FillCoordinatorConfig holds FillCoordinator configuration
type FillCoordinatorConfig struct {
	Flags      cache.SortedStore
	Invoker    Invoker
	FunctionID string
	FlagTTL    time.Duration
	// Runner executes Trigger dispatches. Nil runs them on a new goroutine.
	Runner  Runner
	Limiter Limiter
	Logger  *observability.Logger
	Meter   observability.Meter
}

// FillCoordinator dispatches at most one background fill per key while the
// key's flag is alive.
type FillCoordinator struct {
	flags      cache.SortedStore
	invoker    Invoker
	functionID string
	flagTTL    time.Duration
	runner     Runner
	limiter    Limiter
	logger     *observability.Logger
	dispatches observability.Counter
}

// NewFillCoordinator creates a FillCoordinator
func NewFillCoordinator(cfg FillCoordinatorConfig) (*FillCoordinator, error) {
	if cfg.Flags == nil {
		return nil, fmt.Errorf("flag store is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.FlagTTL <= 0 {
		cfg.FlagTTL = DefaultFlagTTL
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &FillCoordinator{
		flags:      cfg.Flags,
		invoker:    cfg.Invoker,
		functionID: cfg.FunctionID,
		flagTTL:    cfg.FlagTTL,
		runner:     cfg.Runner,
		limiter:    cfg.Limiter,
		logger:     observability.OrNop(cfg.Logger).Named("fill_coordinator"),
		dispatches: meter.Counter("route_cache_fill_requests_total", "Fill requests by outcome"),
	}, nil
}

// MaybeSendCachingRequest claims the fill flag for req and, if it won the
// claim, dispatches the request. It reports whether a dispatch succeeded.
// Failures are logged and never returned.
func (f *FillCoordinator) MaybeSendCachingRequest(ctx context.Context, req FillRequest) bool {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		f.logger.LogError(ctx, "failed to encode fill request", err, "request_id", req.RequestID)
		f.dispatches.Inc(ctx, attribute.String("outcome", "error"))
		return false
	}

	pk, sk := req.flagKey()
	claimed, err := f.flags.PutIfAbsent(ctx, pk, sk, payload, f.flagTTL)
	if err != nil {
		f.logger.LogWarn(ctx, "fill flag write failed, skipping fill",
			"pair", pk, "key", sk, "error", err)
		f.dispatches.Inc(ctx, attribute.String("outcome", "flag_error"))
		return false
	}
	if !claimed {
		f.dispatches.Inc(ctx, attribute.String("outcome", "duplicate"))
		return false
	}

	if err := f.invoker.Invoke(ctx, f.functionID, payload); err != nil {
		f.logger.LogError(ctx, "fill dispatch failed",
			fmt.Errorf("%w: %w", ErrFillDispatch, err),
			"request_id", req.RequestID, "pair", pk, "key", sk)
		f.dispatches.Inc(ctx, attribute.String("outcome", "error"))
		return false
	}

	f.logger.LogDebug(ctx, "fill request dispatched",
		"request_id", req.RequestID, "pair", pk, "key", sk)
	f.dispatches.Inc(ctx, attribute.String("outcome", "dispatched"))
	return true
}

// Trigger runs MaybeSendCachingRequest without blocking the caller. The
// request is dropped when the rate limit is exceeded or the runner is full.
func (f *FillCoordinator) Trigger(ctx context.Context, req FillRequest) {
	if f.limiter != nil && !f.limiter.Allow() {
		f.logger.LogDebug(ctx, "fill request rate limited", "pair", req.Pair().String())
		f.dispatches.Inc(ctx, attribute.String("outcome", "rate_limited"))
		return
	}

	detached := context.WithoutCancel(ctx)
	run := func(context.Context) error {
		f.MaybeSendCachingRequest(detached, req)
		return nil
	}

	if f.runner == nil {
		go run(detached)
		return
	}

	if err := f.runner.TrySubmit(worker.Job{ID: req.RequestID, Execute: run}); err != nil {
		f.logger.LogWarn(ctx, "fill request dropped", "pair", req.Pair().String(), "error", err)
		f.dispatches.Inc(ctx, attribute.String("outcome", "dropped"))
	}
}
