// Package app builds the route cache components from configuration. The
// HTTP server and both filler Lambdas share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"

	"github.com/agatticelli/dex-route-cache/internal/platform/aws"
	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/config"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/resilience"
	"github.com/agatticelli/dex-route-cache/internal/quote"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

// Telemetry bundles the process-wide logger, meters and tracer.
type Telemetry struct {
	Logger         *observability.Logger
	Meters         observability.MeterProvider
	Tracer         observability.Tracer
	tracerProvider *observability.TracerProvider
}

// NewTelemetry sets up logging, metrics and tracing from config
func NewTelemetry(ctx context.Context, cfg *config.Config) (*Telemetry, error) {
	obs := cfg.Observability
	logger := observability.NewLogger(obs.Logging.Level, obs.Logging.Format).Named(obs.ServiceName)

	meters := observability.NewNoopMeterProvider()
	if obs.Metrics.Enabled {
		mp, err := observability.NewMeterProvider(ctx, observability.MeterProviderConfig{
			ServiceName:  obs.ServiceName,
			Exporter:     observability.MetricExporter(obs.Metrics.Exporter),
			OTLPEndpoint: obs.Metrics.OTLPEndpoint,
			Insecure:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		meters = mp
	}

	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: obs.ServiceName,
		Endpoint:    obs.Tracing.Endpoint,
		Enabled:     obs.Tracing.Enabled,
		SampleRatio: obs.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	tracer := observability.NewNoopTracer()
	if obs.Tracing.Enabled {
		tracer = observability.NewTracer(obs.ServiceName)
	}

	return &Telemetry{Logger: logger, Meters: meters, Tracer: tracer, tracerProvider: tp}, nil
}

// Shutdown flushes metrics and spans
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Meters.Shutdown(ctx), t.tracerProvider.Shutdown(ctx))
}

// Infra lazily opens the external clients a process needs, once each.
type Infra struct {
	cfg    *config.Config
	logger *observability.Logger

	mu     sync.Mutex
	redis  *redis.Client
	awsCfg *sdkaws.Config
}

// NewInfra creates an Infra; nothing is dialed until first use
func NewInfra(cfg *config.Config, logger *observability.Logger) *Infra {
	return &Infra{cfg: cfg, logger: observability.OrNop(logger)}
}

// Redis returns the shared Redis client
func (i *Infra) Redis(ctx context.Context) (*redis.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.redis != nil {
		return i.redis, nil
	}

	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     i.cfg.Redis.Address,
		Password: i.cfg.Redis.Password,
		DB:       i.cfg.Redis.DB,
		PoolSize: i.cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	i.redis = client
	return client, nil
}

// AWS returns the shared SDK configuration
func (i *Infra) AWS(ctx context.Context) (sdkaws.Config, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.awsCfg != nil {
		return *i.awsCfg, nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: i.cfg.AWS.Region, Endpoint: i.cfg.AWS.Endpoint})
	if err != nil {
		return sdkaws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	i.awsCfg = &awsCfg
	return awsCfg, nil
}

func (i *Infra) dynamo(ctx context.Context) (*dynamodb.Client, error) {
	awsCfg, err := i.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return aws.NewDynamoDBClient(awsCfg), nil
}

// SortedStore opens a partitioned store on the given backend. table names
// the DynamoDB table and doubles as the Redis key prefix.
func (i *Infra) SortedStore(ctx context.Context, backend, table string) (cache.SortedStore, error) {
	switch backend {
	case config.BackendMemory:
		return cache.NewMemorySortedStore(), nil
	case config.BackendRedis:
		client, err := i.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisSortedStore(client, table+":"), nil
	case config.BackendDynamoDB:
		client, err := i.dynamo(ctx)
		if err != nil {
			return nil, err
		}
		return aws.NewDynamoSortedStore(client, table), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// PoolCache opens the pool metadata cache
func (i *Infra) PoolCache(ctx context.Context) (cache.Cache, error) {
	pc := i.cfg.PoolCache
	l1 := cache.NewMemoryCache(pc.L1MaxSize)

	var l2 cache.Cache
	switch pc.Backend {
	case config.BackendMemory:
		return l1, nil
	case config.BackendLayered:
		client, err := i.Redis(ctx)
		if err != nil {
			return nil, err
		}
		l2 = cache.NewRedisCache(client, "pools:")
	case config.BackendDynamoDB:
		client, err := i.dynamo(ctx)
		if err != nil {
			return nil, err
		}
		l2 = aws.NewDynamoCache(client, i.cfg.AWS.PoolsTable)
	default:
		return nil, fmt.Errorf("unknown pool cache backend: %s", pc.Backend)
	}

	return cache.NewLayeredCacheWithConfig(cache.LayeredCacheConfig{
		L1:       l1,
		L2:       l2,
		L1MaxTTL: pc.L1MaxTTL,
		Logger:   i.logger,
	}), nil
}

// Invoker returns the fill transport and the function or topic it targets.
// A nil invoker means fills are disabled.
func (i *Infra) Invoker(ctx context.Context, meter observability.Meter) (routecache.Invoker, string, error) {
	switch i.cfg.Fill.Transport {
	case config.TransportNone, "":
		return nil, "", nil
	case config.TransportLambda:
		awsCfg, err := i.AWS(ctx)
		if err != nil {
			return nil, "", err
		}
		return aws.NewLambdaInvoker(aws.LambdaInvokerConfig{
			API:    lambda.NewFromConfig(awsCfg),
			Logger: i.logger,
			Meter:  meter,
		}), i.cfg.AWS.FillFunctionName, nil
	case config.TransportSNS:
		awsCfg, err := i.AWS(ctx)
		if err != nil {
			return nil, "", err
		}
		return aws.NewSNSClient(aws.SNSClientConfig{
			API:    sns.NewFromConfig(awsCfg),
			Logger: i.logger,
			Meter:  meter,
		}), i.cfg.AWS.FillTopicARN, nil
	default:
		return nil, "", fmt.Errorf("unknown fill transport: %s", i.cfg.Fill.Transport)
	}
}

// Close releases opened clients
func (i *Infra) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.redis != nil {
		return i.redis.Close()
	}
	return nil
}

// NewRouteStore builds the cached routes store
func NewRouteStore(ctx context.Context, cfg *config.Config, infra *Infra, tel *Telemetry) (*routecache.Store, error) {
	strategies, err := routecache.StrategiesFromConfig(cfg.RouteCache.Strategies)
	if err != nil {
		return nil, err
	}
	routes, err := infra.SortedStore(ctx, cfg.RouteCache.Backend, cfg.AWS.RoutesTable)
	if err != nil {
		return nil, fmt.Errorf("route store: %w", err)
	}

	extra := cfg.RouteCache.OptimisticExtraBlocks
	return routecache.NewStore(routecache.StoreConfig{
		Routes:                routes,
		Strategies:            strategies,
		OptimisticExtraBlocks: &extra,
		BlockTime:             cfg.Chain.BlockTime,
		Logger:                tel.Logger,
		Meter:                 tel.Meters.Meter("routecache"),
		Tracer:                tel.Tracer,
	})
}

// NewRouteComputer builds the routing engine client
func NewRouteComputer(cfg *config.Config, tel *Telemetry) (*quote.HTTPRouteComputer, error) {
	re := cfg.RoutingEngine

	var limiter *resilience.RateLimiter
	if re.RateLimit.RequestsPerSecond > 0 {
		limiter = resilience.NewRateLimiter(re.RateLimit.RequestsPerSecond, re.RateLimit.Burst)
	}

	var breaker *resilience.CircuitBreaker
	if re.BreakerFailures > 0 {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "routing_engine",
			FailureThreshold: re.BreakerFailures,
			Timeout:          re.BreakerOpenDelay,
			OnStateChange: func(name string, from, to resilience.State) {
				tel.Logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return quote.NewHTTPRouteComputer(quote.HTTPRouteComputerConfig{
		BaseURL:        re.BaseURL,
		Timeout:        re.Timeout,
		RateLimiter:    limiter,
		CircuitBreaker: breaker,
		Logger:         tel.Logger,
		Meter:          tel.Meters.Meter("routing_engine"),
	})
}

// NewFiller builds the cache filler used by the Lambdas
func NewFiller(ctx context.Context, cfg *config.Config, infra *Infra, tel *Telemetry) (*quote.Filler, error) {
	store, err := NewRouteStore(ctx, cfg, infra, tel)
	if err != nil {
		return nil, err
	}
	computer, err := NewRouteComputer(cfg, tel)
	if err != nil {
		return nil, err
	}
	return quote.NewFiller(quote.FillerConfig{
		Cache:    store,
		Computer: computer,
		Logger:   tel.Logger,
		Meter:    tel.Meters.Meter("filler"),
	})
}

// NewFillCoordinator builds the fill coordinator. It returns nil when the
// fill transport is disabled.
func NewFillCoordinator(ctx context.Context, cfg *config.Config, infra *Infra, tel *Telemetry, runner routecache.Runner) (*routecache.FillCoordinator, error) {
	meter := tel.Meters.Meter("fill")
	invoker, target, err := infra.Invoker(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("fill transport: %w", err)
	}
	if invoker == nil {
		return nil, nil
	}

	flags, err := infra.SortedStore(ctx, cfg.Fill.FlagBackend, cfg.AWS.FillFlagsTable)
	if err != nil {
		return nil, fmt.Errorf("fill flag store: %w", err)
	}

	var limiter routecache.Limiter
	if cfg.Fill.RatePerSecond > 0 {
		limiter = resilience.NewRateLimiter(cfg.Fill.RatePerSecond, cfg.Fill.Burst)
	}

	return routecache.NewFillCoordinator(routecache.FillCoordinatorConfig{
		Flags:      flags,
		Invoker:    invoker,
		FunctionID: target,
		FlagTTL:    cfg.Fill.FlagTTL,
		Runner:     runner,
		Limiter:    limiter,
		Logger:     tel.Logger,
		Meter:      meter,
	})
}
