package routecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/platform/worker"
)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    int
	payloads [][]byte
	err      error
}

func (f *fakeInvoker) Invoke(ctx context.Context, functionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.payloads = append(f.payloads, payload)
	return f.err
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testFillRequest(block uint64) FillRequest {
	return FillRequest{
		TokenIn:     usdc,
		TokenOut:    weth,
		Amount:      decimal.NewFromInt(50),
		TradeType:   ExactInput,
		Protocols:   v3,
		BlockNumber: block,
		Bucket:      decimal.NewFromInt(100),
	}
}

func newTestCoordinator(t *testing.T, invoker Invoker, runner Runner, limiter Limiter) *FillCoordinator {
	t.Helper()
	f, err := NewFillCoordinator(FillCoordinatorConfig{
		Flags:      cache.NewMemorySortedStore(),
		Invoker:    invoker,
		FunctionID: "route-filler",
		FlagTTL:    time.Minute,
		Runner:     runner,
		Limiter:    limiter,
	})
	if err != nil {
		t.Fatalf("NewFillCoordinator failed: %v", err)
	}
	return f
}

func TestConcurrentFillRequestsDispatchOnce(t *testing.T) {
	invoker := &fakeInvoker{}
	f := newTestCoordinator(t, invoker, nil, nil)

	var wg sync.WaitGroup
	var sent atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.MaybeSendCachingRequest(context.Background(), testFillRequest(100)) {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := invoker.count(); got != 1 {
		t.Errorf("Expected exactly 1 dispatch, got %d", got)
	}
	if sent.Load() != 1 {
		t.Errorf("Expected exactly 1 true result, got %d", sent.Load())
	}
}

func TestFillFlagDeduplicatesAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	invoker := &fakeInvoker{}
	f := newTestCoordinator(t, invoker, nil, nil)

	if !f.MaybeSendCachingRequest(ctx, testFillRequest(100)) {
		t.Fatal("Expected first request to dispatch")
	}
	for _, block := range []uint64{101, 102, 103} {
		if f.MaybeSendCachingRequest(ctx, testFillRequest(block)) {
			t.Errorf("Request at block %d dispatched while the flag is alive", block)
		}
	}

	otherBucket := testFillRequest(101)
	otherBucket.Bucket = decimal.NewFromInt(1000)
	if !f.MaybeSendCachingRequest(ctx, otherBucket) {
		t.Error("Expected a different bucket to dispatch")
	}

	otherProtocols := testFillRequest(101)
	otherProtocols.Protocols = []string{"V2", "V3"}
	if !f.MaybeSendCachingRequest(ctx, otherProtocols) {
		t.Error("Expected a different protocol set to dispatch")
	}

	if got := invoker.count(); got != 3 {
		t.Errorf("Expected 3 dispatches, got %d", got)
	}
}

func TestFillFlagExpiryAllowsRedispatch(t *testing.T) {
	ctx := context.Background()
	invoker := &fakeInvoker{}
	now := time.Unix(1700000000, 0)
	f, err := NewFillCoordinator(FillCoordinatorConfig{
		Flags:   cache.NewMemorySortedStore().WithClock(func() time.Time { return now }),
		Invoker: invoker,
		FlagTTL: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewFillCoordinator failed: %v", err)
	}

	f.MaybeSendCachingRequest(ctx, testFillRequest(100))
	now = now.Add(24 * time.Second)
	if f.MaybeSendCachingRequest(ctx, testFillRequest(102)) {
		t.Error("Expected duplicate two blocks later while the flag is alive")
	}
	now = now.Add(7 * time.Second)
	if !f.MaybeSendCachingRequest(ctx, testFillRequest(102)) {
		t.Error("Expected dispatch after the flag expired")
	}
	if got := invoker.count(); got != 2 {
		t.Errorf("Expected 2 dispatches, got %d", got)
	}
}

func TestFillDispatchPayload(t *testing.T) {
	invoker := &fakeInvoker{}
	f := newTestCoordinator(t, invoker, nil, nil)

	if !f.MaybeSendCachingRequest(context.Background(), testFillRequest(100)) {
		t.Fatal("Expected dispatch")
	}

	req, err := DecodeFillRequest(invoker.payloads[0])
	if err != nil {
		t.Fatalf("DecodeFillRequest failed: %v", err)
	}
	if req.RequestID == "" {
		t.Error("Expected a generated request ID")
	}
	if req.BlockNumber != 100 || !req.Amount.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Unexpected request: %+v", req)
	}
}

func TestFillDispatchFailureIsSwallowed(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("throttled")}
	f := newTestCoordinator(t, invoker, nil, nil)

	if f.MaybeSendCachingRequest(context.Background(), testFillRequest(100)) {
		t.Error("Expected false when dispatch fails")
	}
}

func TestFillFlagStoreFailureSkipsDispatch(t *testing.T) {
	invoker := &fakeInvoker{}
	f, err := NewFillCoordinator(FillCoordinatorConfig{Flags: failingStore{}, Invoker: invoker})
	if err != nil {
		t.Fatalf("NewFillCoordinator failed: %v", err)
	}

	if f.MaybeSendCachingRequest(context.Background(), testFillRequest(100)) {
		t.Error("Expected false when the flag store fails")
	}
	if invoker.count() != 0 {
		t.Error("Expected no dispatch without a flag")
	}
}

func TestTriggerRunsOnPool(t *testing.T) {
	pool := worker.NewPool(context.Background(), 2, 8)
	invoker := &fakeInvoker{}
	f := newTestCoordinator(t, invoker, pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.Trigger(ctx, testFillRequest(100))
	cancel()
	pool.Close()

	if got := invoker.count(); got != 1 {
		t.Errorf("Expected 1 dispatch after pool drain, got %d", got)
	}
}

type denyAll struct{}

func (denyAll) Allow() bool { return false }

type fullRunner struct{}

func (fullRunner) TrySubmit(worker.Job) error { return worker.ErrBackpressure }

func TestTriggerDropsWhenLimitedOrFull(t *testing.T) {
	invoker := &fakeInvoker{}

	newTestCoordinator(t, invoker, nil, denyAll{}).Trigger(context.Background(), testFillRequest(1))
	newTestCoordinator(t, invoker, fullRunner{}, nil).Trigger(context.Background(), testFillRequest(2))

	if invoker.count() != 0 {
		t.Errorf("Expected no dispatch, got %d", invoker.count())
	}
}

func TestStoreNewFillRequest(t *testing.T) {
	s := newTestStore(t, cache.NewMemorySortedStore(), bucket("100", Livemode), bucket("1000", Darkmode))

	req, ok := s.NewFillRequest(usdcAmount("50"), weth, ExactInput, []string{"v3"}, 77)
	if !ok {
		t.Fatal("Expected fill request")
	}
	if !req.Bucket.Equal(decimal.NewFromInt(100)) || req.TokenIn != usdc || req.BlockNumber != 77 {
		t.Errorf("Unexpected request: %+v", req)
	}

	if _, ok := s.NewFillRequest(usdcAmount("500"), weth, ExactInput, v3, 77); ok {
		t.Error("Expected no fill request for a Darkmode bucket")
	}
}
