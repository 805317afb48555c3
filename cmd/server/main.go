package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/dex-route-cache/internal/app"
	"github.com/agatticelli/dex-route-cache/internal/blockchain"
	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/config"
	"github.com/agatticelli/dex-route-cache/internal/platform/worker"
	"github.com/agatticelli/dex-route-cache/internal/pools"
	"github.com/agatticelli/dex-route-cache/internal/quote"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	log.Println("Loading configuration...")
	cfg := config.MustLoad(os.Getenv("CONFIG_PATH"))

	// Setup observability (foundational - must be first)
	log.Println("Setting up observability...")
	tel, err := app.NewTelemetry(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger
	logger.Info("observability setup complete")

	infra := app.NewInfra(cfg, logger)
	defer infra.Close()

	// Ethereum client pool and head tracker
	logger.Info("connecting to Ethereum...")
	endpoints := make([]blockchain.EndpointConfig, len(cfg.Ethereum.RPCEndpoints))
	for i, ep := range cfg.Ethereum.RPCEndpoints {
		endpoints[i] = blockchain.EndpointConfig{URL: ep.URL, Weight: ep.Weight}
	}
	clientPool, err := blockchain.NewClientPool(ctx, blockchain.ClientPoolConfig{
		Endpoints: endpoints,
		Logger:    logger,
		Meter:     tel.Meters.Meter("ethereum"),
	})
	if err != nil {
		logger.LogError(ctx, "failed to create client pool", err)
		log.Fatalf("Failed to create client pool: %v", err)
	}
	defer clientPool.Close()

	tracker := blockchain.NewBlockTracker(blockchain.BlockTrackerConfig{
		Source:       clientPool,
		PollInterval: cfg.Chain.BlockTime,
		Logger:       logger,
		Meter:        tel.Meters.Meter("ethereum"),
	})
	go tracker.Run(ctx)

	// Route cache
	logger.Info("creating route cache...")
	store, err := app.NewRouteStore(ctx, cfg, infra, tel)
	if err != nil {
		logger.LogError(ctx, "failed to create route store", err)
		log.Fatalf("Failed to create route store: %v", err)
	}

	computer, err := app.NewRouteComputer(cfg, tel)
	if err != nil {
		logger.LogError(ctx, "failed to create routing engine client", err)
		log.Fatalf("Failed to create routing engine client: %v", err)
	}

	fillPool := worker.NewPoolWithConfig(ctx, worker.PoolConfig{
		Workers:   cfg.Fill.Workers,
		QueueSize: cfg.Fill.QueueSize,
		OnError: func(jobID string, err error) {
			logger.LogError(ctx, "fill job failed", err, "job_id", jobID)
		},
	})
	defer fillPool.Close()

	fills, err := app.NewFillCoordinator(ctx, cfg, infra, tel, fillPool)
	if err != nil {
		logger.LogError(ctx, "failed to create fill coordinator", err)
		log.Fatalf("Failed to create fill coordinator: %v", err)
	}

	serviceCfg := quote.ServiceConfig{
		Cache:    store,
		Computer: computer,
		Blocks:   tracker,
		Logger:   logger,
		Meter:    tel.Meters.Meter("quote"),
		Tracer:   tel.Tracer,
	}
	if fills != nil {
		serviceCfg.Fills = fills
	} else {
		logger.Info("cache fills disabled")
	}
	service, err := quote.NewService(serviceCfg)
	if err != nil {
		logger.LogError(ctx, "failed to create quote service", err)
		log.Fatalf("Failed to create quote service: %v", err)
	}

	// Pool metadata
	logger.Info("creating pool providers...")
	poolProvider, err := newPoolProvider(ctx, cfg, infra, tel, clientPool)
	if err != nil {
		logger.LogError(ctx, "failed to create pool provider", err)
		log.Fatalf("Failed to create pool provider: %v", err)
	}

	// Start HTTP server
	logger.Info("starting HTTP server...")
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: app.NewHandler(app.HandlerConfig{
			Quotes: service,
			Pools:  poolProvider,
			Ready: func(ctx context.Context) error {
				_, err := tracker.BlockNumber(ctx)
				return err
			},
			Metrics: tel.Meters.Handler(),
			Logger:  logger,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(ctx, "HTTP server error", err)
			cancel()
		}
	}()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received, gracefully stopping...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP server shutdown failed", err)
	}
	logger.Info("application stopped")
}

// newPoolProvider wires the on-chain provider, its cache, and the traffic
// switcher that migrates reads from one to the other.
func newPoolProvider(
	ctx context.Context,
	cfg *config.Config,
	infra *app.Infra,
	tel *app.Telemetry,
	clientPool *blockchain.ClientPool,
) (pools.Provider, error) {
	logger := tel.Logger
	meter := tel.Meters.Meter("pools")
	uni := cfg.Ethereum.UniswapV3

	onChain, err := pools.NewOnChainProvider(pools.OnChainProviderConfig{
		Caller:             clientPool,
		Factory:            common.HexToAddress(uni.FactoryAddress),
		InitCodeHash:       common.HexToHash(uni.PoolInitCodeHash),
		FeeTiers:           uni.FeeTiers,
		MaxConcurrentCalls: cfg.Ethereum.MaxConcurrentCalls,
		Logger:             logger,
		Meter:              meter,
	})
	if err != nil {
		return nil, err
	}

	warmPairs, err := parseWarmPairs(cfg.PoolCache.WarmPairs)
	if err != nil {
		return nil, err
	}

	poolCache, err := infra.PoolCache(ctx)
	if err != nil {
		return nil, err
	}
	caching, err := pools.NewCachingProvider(pools.CachingProviderConfig{
		Cache:     poolCache,
		Provider:  onChain,
		FeeTiers:  onChain.FeeTiers(),
		WarmPairs: warmPairs,
		Logger:    logger,
		Meter:     meter,
	})
	if err != nil {
		return nil, err
	}

	warmer := cache.NewWarmer(logger, cache.DefaultWarmupConfig())
	warmer.RegisterProvider(caching)
	go warmer.Run(ctx)

	if !cfg.TrafficSwitch.Enabled {
		return caching, nil
	}

	switchAt, err := cfg.TrafficSwitch.SwitchTime()
	if err != nil {
		return nil, err
	}
	comparePool := worker.NewPoolWithConfig(ctx, worker.PoolConfig{
		Workers:   cfg.TrafficSwitch.Workers,
		QueueSize: cfg.TrafficSwitch.QueueSize,
	})
	sampler := &pools.PercentSampler{Percent: cfg.TrafficSwitch.SamplePercent}

	return pools.NewTrafficSwitcher(pools.TrafficSwitcherConfig{
		Current:             onChain,
		Target:              caching,
		SourceOfTruth:       onChain,
		ShouldSwitchTraffic: pools.SwitchAfter(switchAt, nil),
		ShouldSampleTraffic: sampler.Sample,
		Runner:              comparePool,
		Logger:              logger,
		Meter:               meter,
	})
}

func parseWarmPairs(names []string) ([]pools.Pair, error) {
	pairs := make([]pools.Pair, 0, len(names))
	for _, name := range names {
		base, quoteToken, err := config.ParsePair(name)
		if err != nil {
			return nil, err
		}
		pair, err := pools.NewPair(common.HexToAddress(base.Address), common.HexToAddress(quoteToken.Address))
		if err != nil {
			return nil, fmt.Errorf("warm pair %s: %w", name, err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}
