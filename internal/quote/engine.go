package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/resilience"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

// ErrEngineStatus wraps non-200 responses from the routing engine
var ErrEngineStatus = errors.New("quote: routing engine returned an error status")

// engineResponse is the routing engine's /quote payload
type engineResponse struct {
	BlockNumber uint64                   `json:"blockNumber"`
	Routes      []routecache.CachedRoute `json:"routes"`
}

// HTTPRouteComputerConfig holds HTTPRouteComputer configuration
type HTTPRouteComputerConfig struct {
	BaseURL        string
	Timeout        time.Duration
	HTTPClient     *http.Client
	RateLimiter    *resilience.RateLimiter
	RetryConfig    resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
	Logger         *observability.Logger
	Meter          observability.Meter
}

// HTTPRouteComputer asks the external routing engine for routes over HTTP.
type HTTPRouteComputer struct {
	client      *http.Client
	baseURL     string
	rateLimiter *resilience.RateLimiter
	retryCfg    resilience.RetryConfig
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	latency     observability.Histogram
	calls       observability.Counter
}

// NewHTTPRouteComputer creates a new routing engine client
func NewHTTPRouteComputer(cfg HTTPRouteComputerConfig) (*HTTPRouteComputer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("routing engine base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = resilience.DefaultRetryConfig()
	}

	logger := observability.OrNop(cfg.Logger).Named("routing_engine")

	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "routing_engine",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &HTTPRouteComputer{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rateLimiter: cfg.RateLimiter,
		retryCfg:    cfg.RetryConfig,
		cb:          cb,
		logger:      logger,
		latency:     meter.Histogram("routing_engine_request_seconds", "Routing engine request latency"),
		calls:       meter.Counter("routing_engine_requests_total", "Routing engine requests by status"),
	}, nil
}

// ComputeRoute fetches a route. 5xx and 429 responses are retried; other
// failures are returned as is.
func (h *HTTPRouteComputer) ComputeRoute(ctx context.Context, req routecache.RouteRequest) (*routecache.CachedRoutes, error) {
	return resilience.ExecuteWithResult(h.cb, ctx, func(ctx context.Context) (*routecache.CachedRoutes, error) {
		return resilience.RetryWithResult(ctx, h.retryCfg, func(ctx context.Context) (*routecache.CachedRoutes, error) {
			if h.rateLimiter != nil {
				if err := h.rateLimiter.Wait(ctx); err != nil {
					return nil, resilience.Permanent(fmt.Errorf("rate limiter error: %w", err))
				}
			}

			start := time.Now()
			routes, err := h.fetch(ctx, req)
			h.latency.RecordDuration(ctx, start)

			status := "success"
			if err != nil {
				status = "error"
			}
			h.calls.Inc(ctx, attribute.String("status", status))
			return routes, err
		})
	})
}

func (h *HTTPRouteComputer) quoteURL(req routecache.RouteRequest) string {
	q := url.Values{}
	q.Set("tokenIn", req.TokenIn)
	q.Set("tokenOut", req.TokenOut)
	q.Set("amount", req.Amount.String())
	q.Set("type", req.TradeType.String())
	if len(req.Protocols) > 0 {
		q.Set("protocols", strings.Join(routecache.NormalizeProtocols(req.Protocols), ","))
	}
	return h.baseURL + "/quote?" + q.Encode()
}

func (h *HTTPRouteComputer) fetch(ctx context.Context, req routecache.RouteRequest) (*routecache.CachedRoutes, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.quoteURL(req), nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: status %d: %s", ErrEngineStatus, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, resilience.Permanent(err)
	}

	var body engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(body.Routes) == 0 {
		return nil, resilience.Permanent(fmt.Errorf("routing engine returned no routes"))
	}

	return &routecache.CachedRoutes{
		Routes:         body.Routes,
		TokenIn:        strings.ToLower(req.TokenIn),
		TokenOut:       strings.ToLower(req.TokenOut),
		TradeType:      req.TradeType,
		BlockNumber:    body.BlockNumber,
		Protocols:      routecache.NormalizeProtocols(req.Protocols),
		OriginalAmount: req.Amount,
	}, nil
}
