package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// WarmupProvider pre-populates a cache. Warmup must be idempotent since Run
// calls it again on every refresh.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

// WarmupConfig configures a Warmer.
type WarmupConfig struct {
	// Timeout bounds one pass over all providers
	Timeout time.Duration
	// Concurrency caps providers warmed at once; 1 warms them in
	// registration order
	Concurrency int
	// StopOnError ends a sequential pass at the first failure
	StopOnError bool
	// RefreshInterval is the period of Run; zero makes Run a single pass
	RefreshInterval time.Duration
}

// DefaultWarmupConfig returns the defaults used by the server.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         30 * time.Second,
		Concurrency:     4,
		RefreshInterval: 5 * time.Minute,
	}
}

// WarmupResult is the outcome of one provider
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults is the outcome of one pass. Skipped providers have no entry.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors reports whether any provider failed
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers at startup and, optionally, periodically
// afterwards. Providers must be registered before the first pass.
type Warmer struct {
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a Warmer
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Warmer{
		logger: observability.OrNop(logger).Named("cache_warmer"),
		config: config,
	}
}

// RegisterProvider adds a provider
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.providers = append(w.providers, provider)
}

// Run warms once, then again every RefreshInterval until ctx is done
func (w *Warmer) Run(ctx context.Context) {
	w.Warmup(ctx)
	if w.config.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Warmup(ctx)
		}
	}
}

// Warmup makes one pass over the providers. Failures are reported in the
// results and logged, never returned.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{}
	if len(w.providers) == 0 {
		return results
	}

	passCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Concurrency == 1 {
		results.Results = w.sequential(passCtx)
	} else {
		results.Results = w.concurrent(passCtx)
	}

	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	w.logger.LogInfo(ctx, "cache warmup pass finished",
		"providers", len(w.providers),
		"warmed", len(results.Results)-results.Errors,
		"errors", results.Errors,
		"duration", results.TotalTime,
	)
	return results
}

func (w *Warmer) concurrent(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, len(w.providers))

	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for i, provider := range w.providers {
		g.Go(func() error {
			results[i] = w.warm(ctx, provider)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Warmer) sequential(ctx context.Context) []WarmupResult {
	results := make([]WarmupResult, 0, len(w.providers))
	for _, provider := range w.providers {
		r := w.warm(ctx, provider)
		results = append(results, r)
		if r.Err != nil && w.config.StopOnError {
			break
		}
	}
	return results
}

func (w *Warmer) warm(ctx context.Context, provider WarmupProvider) WarmupResult {
	start := time.Now()
	err := provider.Warmup(ctx)
	r := WarmupResult{Provider: provider.Name(), Duration: time.Since(start), Err: err}

	if err != nil {
		w.logger.LogError(ctx, "cache warmup failed", err, "provider", r.Provider, "duration", r.Duration)
	}
	return r
}
