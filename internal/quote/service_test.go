package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

const (
	usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
)

type fakeComputer struct {
	mu     sync.Mutex
	calls  int
	routes []string
	err    error
}

func (f *fakeComputer) ComputeRoute(ctx context.Context, req routecache.RouteRequest) (*routecache.CachedRoutes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	routes := make([]routecache.CachedRoute, len(f.routes))
	for i, id := range f.routes {
		routes[i] = routecache.CachedRoute{RouteID: id, Protocol: "V3", Percent: 100 / len(f.routes)}
	}
	return &routecache.CachedRoutes{Routes: routes, TokenIn: req.TokenIn, TokenOut: req.TokenOut, TradeType: req.TradeType}, nil
}

type fixedBlock struct {
	block uint64
	err   error
}

func (b *fixedBlock) BlockNumber(ctx context.Context) (uint64, error) {
	return b.block, b.err
}

type recordingTrigger struct {
	reqs []routecache.FillRequest
}

func (r *recordingTrigger) Trigger(ctx context.Context, req routecache.FillRequest) {
	r.reqs = append(r.reqs, req)
}

type serviceFixture struct {
	service  *Service
	store    *routecache.Store
	computer *fakeComputer
	blocks   *fixedBlock
	fills    *recordingTrigger
}

func newServiceFixture(t *testing.T, mode routecache.CacheMode) *serviceFixture {
	t.Helper()
	strategy, err := routecache.NewCachedRoutesStrategy(
		routecache.NewPairTradeTypeChainID(usdc, weth, routecache.ExactInput),
		[]routecache.CachedRoutesBucket{{Bucket: decimal.NewFromInt(1000), CacheMode: mode, BlocksToLive: 2}},
	)
	if err != nil {
		t.Fatalf("NewCachedRoutesStrategy failed: %v", err)
	}
	store, err := routecache.NewStore(routecache.StoreConfig{
		Routes:     cache.NewMemorySortedStore(),
		Strategies: []*routecache.CachedRoutesStrategy{strategy},
		BlockTime:  12 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	f := &serviceFixture{
		store:    store,
		computer: &fakeComputer{routes: []string{"live-1"}},
		blocks:   &fixedBlock{block: 100},
		fills:    &recordingTrigger{},
	}
	f.service, err = NewService(ServiceConfig{Cache: store, Computer: f.computer, Blocks: f.blocks, Fills: f.fills})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return f
}

func usdcRequest(optimistic bool) Request {
	return Request{
		AmountToken: usdc,
		QuoteToken:  weth,
		Amount:      decimal.NewFromInt(500),
		TradeType:   routecache.ExactInput,
		Protocols:   []string{"V3"},
		Optimistic:  optimistic,
	}
}

func TestLivemodeMissComputesCachesAndTriggersFill(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	ctx := context.Background()

	first, err := f.service.Quote(ctx, usdcRequest(false))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if first.Source != SourceLive || first.BlockNumber != 100 {
		t.Errorf("First quote = %+v, want live at block 100", first)
	}

	second, err := f.service.Quote(ctx, usdcRequest(false))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if second.Source != SourceCache {
		t.Errorf("Second quote source = %s, want cache", second.Source)
	}
	if f.computer.calls != 1 {
		t.Errorf("Expected 1 live computation, got %d", f.computer.calls)
	}
	if len(f.fills.reqs) != 1 || f.fills.reqs[0].BlockNumber != 100 {
		t.Errorf("Expected one fill for the miss at block 100, got %+v", f.fills.reqs)
	}
}

func TestLivemodeOptimisticHitTriggersRefresh(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	ctx := context.Background()

	if _, err := f.service.Quote(ctx, usdcRequest(false)); err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	f.fills.reqs = nil

	f.blocks.block = 104
	got, err := f.service.Quote(ctx, usdcRequest(true))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if got.Source != SourceCache {
		t.Fatalf("Expected optimistic cache hit, got %s", got.Source)
	}
	if len(f.fills.reqs) != 1 || f.fills.reqs[0].BlockNumber != 104 {
		t.Errorf("Expected one fill at block 104, got %+v", f.fills.reqs)
	}

	f.blocks.block = 101
	f.service.Quote(ctx, usdcRequest(true))
	if len(f.fills.reqs) != 1 {
		t.Errorf("Expected no fill for a fresh hit, got %d", len(f.fills.reqs))
	}
}

func TestDarkmodeAlwaysLive(t *testing.T) {
	f := newServiceFixture(t, routecache.Darkmode)

	for i := 0; i < 3; i++ {
		res, err := f.service.Quote(context.Background(), usdcRequest(false))
		if err != nil {
			t.Fatalf("Quote failed: %v", err)
		}
		if res.Source != SourceLive || res.CacheMode != routecache.Darkmode {
			t.Errorf("Quote = %+v", res)
		}
	}
	if f.computer.calls != 3 {
		t.Errorf("Expected 3 live computations, got %d", f.computer.calls)
	}
	if len(f.fills.reqs) != 0 {
		t.Errorf("Darkmode must not trigger fills, got %d", len(f.fills.reqs))
	}
}

func TestTapcompareServesLiveAndWritesBack(t *testing.T) {
	f := newServiceFixture(t, routecache.Tapcompare)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.service.Quote(ctx, usdcRequest(false))
		if err != nil {
			t.Fatalf("Quote failed: %v", err)
		}
		if res.Source != SourceLive {
			t.Errorf("Tapcompare must serve live results, got %s", res.Source)
		}
	}

	amount := routecache.TokenAmount{Token: usdc, Amount: decimal.NewFromInt(500)}
	if _, ok := f.store.GetCachedRoute(ctx, amount, weth, routecache.ExactInput, []string{"V3"}, 100, false); !ok {
		t.Error("Expected tapcompare to write live results to the cache")
	}
}

func TestBlockSourceFailureFallsBackToLive(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	f.blocks.err = errors.New("rpc down")

	res, err := f.service.Quote(context.Background(), usdcRequest(false))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if res.Source != SourceLive || res.CacheMode != routecache.Darkmode {
		t.Errorf("Quote = %+v, want live in darkmode", res)
	}
}

func TestLiveFailureIsReturned(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	f.computer.err = errors.New("engine down")

	if _, err := f.service.Quote(context.Background(), usdcRequest(false)); err == nil {
		t.Error("Expected live computation error")
	}
}

func TestFillerWritesAtRequestBlock(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	ctx := context.Background()
	amount := routecache.TokenAmount{Token: usdc, Amount: decimal.NewFromInt(500)}

	filler, err := NewFiller(FillerConfig{Cache: f.store, Computer: f.computer})
	if err != nil {
		t.Fatalf("NewFiller failed: %v", err)
	}

	req, ok := f.store.NewFillRequest(amount, weth, routecache.ExactInput, []string{"v3"}, 250)
	if !ok {
		t.Fatal("Expected fill request")
	}
	if err := filler.Fill(ctx, req); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	// filling twice rewrites the same key
	if err := filler.Fill(ctx, req); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	got, ok := f.store.GetCachedRoute(ctx, amount, weth, routecache.ExactInput, []string{"V3"}, 250, false)
	if !ok || got.BlockNumber != 250 {
		t.Errorf("Expected cached route at block 250, got %+v", got)
	}
}

func TestFillerReturnsComputeErrors(t *testing.T) {
	f := newServiceFixture(t, routecache.Livemode)
	f.computer.err = errors.New("engine down")
	filler, _ := NewFiller(FillerConfig{Cache: f.store, Computer: f.computer})

	amount := routecache.TokenAmount{Token: usdc, Amount: decimal.NewFromInt(500)}
	req, _ := f.store.NewFillRequest(amount, weth, routecache.ExactInput, nil, 1)
	if err := filler.Fill(context.Background(), req); err == nil {
		t.Error("Expected error")
	}
}
