package pools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/worker"
)

// RandSource yields uniform draws in [0, 1)
type RandSource interface {
	Float64() float64
}

// PercentSampler samples Percent of calls. Safe for concurrent use.
type PercentSampler struct {
	Percent float64
	// Rand defaults to the global generator when nil
	Rand RandSource

	mu sync.Mutex
}

// Sample draws once and reports whether the call is sampled
func (s *PercentSampler) Sample() bool {
	if s.Percent <= 0 {
		return false
	}
	if s.Percent >= 100 {
		return true
	}

	var draw float64
	if s.Rand == nil {
		draw = rand.Float64()
	} else {
		s.mu.Lock()
		draw = s.Rand.Float64()
		s.mu.Unlock()
	}
	return draw*100 < s.Percent
}

// SwitchAfter returns a decision that turns true once now reaches cutover.
// A zero cutover never switches.
func SwitchAfter(cutover time.Time, now func() time.Time) func() bool {
	if now == nil {
		now = time.Now
	}
	return func() bool {
		return !cutover.IsZero() && !now().Before(cutover)
	}
}

// Always returns a constant decision
func Always(v bool) func() bool {
	return func() bool { return v }
}

// Runner runs jobs off the caller's goroutine
type Runner interface {
	TrySubmit(job worker.Job) error
}

// TrafficSwitcherConfig holds TrafficSwitcher configuration
type TrafficSwitcherConfig struct {
	Current Provider
	Target  Provider
	// SourceOfTruth is compared against Target; defaults to Current
	SourceOfTruth       Provider
	ShouldSwitchTraffic func() bool
	ShouldSampleTraffic func() bool
	// Runner executes comparisons. Nil runs them on a new goroutine.
	Runner         Runner
	CompareTimeout time.Duration
	Logger         *observability.Logger
	Meter          observability.Meter
}

// TrafficSwitcher serves pool lookups from Current or, once switched, from
// Target, while comparing Target against SourceOfTruth on sampled calls.
type TrafficSwitcher struct {
	current        Provider
	target         Provider
	sourceOfTruth  Provider
	shouldSwitch   func() bool
	shouldSample   func() bool
	runner         Runner
	compareTimeout time.Duration
	logger         *observability.Logger
	served         observability.Counter
	comparisons    observability.Counter
}

// NewTrafficSwitcher creates a TrafficSwitcher
func NewTrafficSwitcher(cfg TrafficSwitcherConfig) (*TrafficSwitcher, error) {
	if cfg.Current == nil || cfg.Target == nil {
		return nil, fmt.Errorf("current and target providers are required")
	}
	if cfg.SourceOfTruth == nil {
		cfg.SourceOfTruth = cfg.Current
	}
	if cfg.ShouldSwitchTraffic == nil {
		cfg.ShouldSwitchTraffic = Always(false)
	}
	if cfg.ShouldSampleTraffic == nil {
		cfg.ShouldSampleTraffic = Always(false)
	}
	if cfg.CompareTimeout <= 0 {
		cfg.CompareTimeout = 10 * time.Second
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &TrafficSwitcher{
		current:        cfg.Current,
		target:         cfg.Target,
		sourceOfTruth:  cfg.SourceOfTruth,
		shouldSwitch:   cfg.ShouldSwitchTraffic,
		shouldSample:   cfg.ShouldSampleTraffic,
		runner:         cfg.Runner,
		compareTimeout: cfg.CompareTimeout,
		logger:         observability.OrNop(cfg.Logger).Named("traffic_switcher"),
		served:         meter.Counter("pool_provider_requests_total", "Pool lookups by serving provider"),
		comparisons:    meter.Counter("pool_provider_comparisons_total", "Sampled provider comparisons by outcome"),
	}, nil
}

func (s *TrafficSwitcher) primary(ctx context.Context, method string) Provider {
	if s.shouldSwitch() {
		s.served.Inc(ctx, attribute.String("provider", "target"), attribute.String("method", method))
		return s.target
	}
	s.served.Inc(ctx, attribute.String("provider", "current"), attribute.String("method", method))
	return s.current
}

// GetPools implements Provider
func (s *TrafficSwitcher) GetPools(ctx context.Context, pair Pair) ([]Pool, error) {
	pools, err := s.primary(ctx, "get_pools").GetPools(ctx, pair)
	if s.shouldSample() {
		s.compare(ctx, "get_pools", pair.String(), func(ctx context.Context) error {
			return s.comparePools(ctx, pair)
		})
	}
	return pools, err
}

// GetPoolAddress implements Provider
func (s *TrafficSwitcher) GetPoolAddress(ctx context.Context, key PoolKey) (common.Address, error) {
	address, err := s.primary(ctx, "get_pool_address").GetPoolAddress(ctx, key)
	if s.shouldSample() {
		s.compare(ctx, "get_pool_address", key.CacheKey(), func(ctx context.Context) error {
			return s.compareAddress(ctx, key)
		})
	}
	return address, err
}

// compare schedules a comparison. Its outcome is only logged and counted.
func (s *TrafficSwitcher) compare(ctx context.Context, method, subject string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	job := worker.Job{
		ID: method + ":" + subject,
		Execute: func(context.Context) error {
			cctx, cancel := context.WithTimeout(detached, s.compareTimeout)
			defer cancel()
			s.report(cctx, method, subject, fn(cctx))
			return nil
		},
	}

	if s.runner == nil {
		go job.Execute(detached)
		return
	}
	if err := s.runner.TrySubmit(job); err != nil {
		s.comparisons.Inc(ctx, attribute.String("method", method), attribute.String("outcome", "dropped"))
	}
}

func (s *TrafficSwitcher) report(ctx context.Context, method, subject string, err error) {
	outcome := "match"
	switch {
	case err == nil:
	case isMismatch(err):
		outcome = "mismatch"
		s.logger.LogWarn(ctx, "pool provider mismatch", "method", method, "subject", subject, "error", err)
	default:
		outcome = "error"
		s.logger.LogWarn(ctx, "pool provider comparison failed", "method", method, "subject", subject, "error", err)
	}
	s.comparisons.Inc(ctx, attribute.String("method", method), attribute.String("outcome", outcome))
}

func (s *TrafficSwitcher) comparePools(ctx context.Context, pair Pair) error {
	var target, truth []Pool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		target, err = s.target.GetPools(gctx, pair)
		return err
	})
	g.Go(func() (err error) {
		truth, err = s.sourceOfTruth.GetPools(gctx, pair)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return diffPools(target, truth)
}

func (s *TrafficSwitcher) compareAddress(ctx context.Context, key PoolKey) error {
	var target, truth common.Address
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		target, err = s.target.GetPoolAddress(gctx, key)
		return err
	})
	g.Go(func() (err error) {
		truth, err = s.sourceOfTruth.GetPoolAddress(gctx, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if target != truth {
		return fmt.Errorf("%w: address: target %s, source of truth %s", ErrComparisonMismatch, target.Hex(), truth.Hex())
	}
	return nil
}
