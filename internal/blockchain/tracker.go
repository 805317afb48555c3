package blockchain

import (
	"context"
	"sync"
	"time"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// BlockSource returns the chain's current block number
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockTrackerConfig holds BlockTracker configuration
type BlockTrackerConfig struct {
	Source BlockSource
	// PollInterval defaults to one block time
	PollInterval time.Duration
	// MaxAge is how old the tracked head may be before BlockNumber reads
	// through to Source. Defaults to twice the poll interval.
	MaxAge time.Duration
	Logger *observability.Logger
	Meter  observability.Meter
}

// BlockTracker polls the head block in the background so the request path
// reads it from memory. The tracked number never moves backwards, so a
// lagging endpoint cannot make cached routes look fresher than they are.
type BlockTracker struct {
	source       BlockSource
	pollInterval time.Duration
	maxAge       time.Duration
	logger       *observability.Logger
	head         observability.Gauge
	now          func() time.Time

	mu        sync.RWMutex
	latest    uint64
	updatedAt time.Time
}

// NewBlockTracker creates a tracker; call Run to start polling
func NewBlockTracker(cfg BlockTrackerConfig) *BlockTracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * cfg.PollInterval
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &BlockTracker{
		source:       cfg.Source,
		pollInterval: cfg.PollInterval,
		maxAge:       cfg.MaxAge,
		logger:       observability.OrNop(cfg.Logger),
		head:         meter.Gauge("chain_head_block", "Latest block number observed"),
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled
func (t *BlockTracker) Run(ctx context.Context) {
	t.poll(ctx)

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *BlockTracker) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, t.pollInterval)
	defer cancel()

	if _, err := t.refresh(pollCtx); err != nil && ctx.Err() == nil {
		t.logger.LogWarn(ctx, "block poll failed", "error", err)
	}
}

func (t *BlockTracker) refresh(ctx context.Context) (uint64, error) {
	number, err := t.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return t.observe(ctx, number), nil
}

// observe records number and returns the tracked head
func (t *BlockTracker) observe(ctx context.Context, number uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if number < t.latest {
		t.logger.LogDebug(ctx, "ignoring stale block number", "got", number, "latest", t.latest)
		return t.latest
	}
	if number > t.latest {
		t.head.Record(ctx, int64(number))
	}
	t.latest = number
	t.updatedAt = t.now()
	return t.latest
}

// BlockNumber returns the tracked head, reading through to the source when
// the head is older than MaxAge.
func (t *BlockTracker) BlockNumber(ctx context.Context) (uint64, error) {
	t.mu.RLock()
	latest, updatedAt := t.latest, t.updatedAt
	t.mu.RUnlock()

	if latest > 0 && t.now().Sub(updatedAt) <= t.maxAge {
		return latest, nil
	}
	return t.refresh(ctx)
}
