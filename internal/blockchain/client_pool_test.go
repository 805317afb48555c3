package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// fakeRPC is a scripted RPCClient
type fakeRPC struct {
	block  uint64
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls.Add(1)
	return f.block, f.err
}

func (f *fakeRPC) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	return []byte{0x60}, f.err
}

func (f *fakeRPC) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	return call.Data, f.err
}

func (f *fakeRPC) Close() { f.closed.Store(true) }

func dialerFor(clients map[string]*fakeRPC) Dialer {
	return func(ctx context.Context, url string) (RPCClient, error) {
		c, ok := clients[url]
		if !ok {
			return nil, errors.New("dial refused")
		}
		return c, nil
	}
}

func newTestPool(t *testing.T, clients map[string]*fakeRPC, urls ...string) *ClientPool {
	t.Helper()

	endpoints := make([]EndpointConfig, len(urls))
	for i, u := range urls {
		endpoints[i] = EndpointConfig{URL: u, Weight: 1}
	}

	pool, err := NewClientPool(context.Background(), ClientPoolConfig{
		Endpoints:      endpoints,
		Dial:           dialerFor(clients),
		HealthCheckTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClientPool failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestNewClientPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  ClientPoolConfig
		wantErr error
	}{
		{
			name:   "empty endpoints",
			config: ClientPoolConfig{},
		},
		{
			name: "no endpoint dials",
			config: ClientPoolConfig{
				Endpoints: []EndpointConfig{{URL: "http://down:8545"}},
				Dial:      dialerFor(nil),
			},
			wantErr: ErrNoHealthyEndpoints,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClientPool(context.Background(), tt.config)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClientPool_StartsWithPartialHealth(t *testing.T) {
	clients := map[string]*fakeRPC{"http://a": {block: 1}}
	pool := newTestPool(t, clients, "http://a", "http://b")

	if got := pool.GetHealthyEndpointCount(); got != 1 {
		t.Errorf("expected 1 healthy endpoint, got %d", got)
	}
	status := pool.GetEndpointStatus()
	if !status["http://a"] || status["http://b"] {
		t.Errorf("unexpected status: %v", status)
	}
}

func TestClientPool_BlockNumberFailsOver(t *testing.T) {
	clients := map[string]*fakeRPC{
		"http://a": {err: errors.New("502 bad gateway")},
		"http://b": {block: 19_000_000},
	}
	pool := newTestPool(t, clients, "http://a", "http://b")

	block, err := pool.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber failed: %v", err)
	}
	if block != 19_000_000 {
		t.Errorf("expected block from healthy endpoint, got %d", block)
	}
	if pool.GetEndpointStatus()["http://a"] {
		t.Error("failing endpoint should be marked unhealthy")
	}

	// subsequent calls skip the unhealthy endpoint
	_, _ = pool.BlockNumber(context.Background())
	if calls := clients["http://a"].calls.Load(); calls != 1 {
		t.Errorf("expected unhealthy endpoint to be skipped, got %d calls", calls)
	}
}

func TestClientPool_AllEndpointsFail(t *testing.T) {
	clients := map[string]*fakeRPC{
		"http://a": {err: errors.New("boom")},
		"http://b": {err: errors.New("boom")},
	}
	pool := newTestPool(t, clients, "http://a", "http://b")

	if _, err := pool.BlockNumber(context.Background()); err == nil {
		t.Fatal("expected error when every endpoint fails")
	}
	if _, err := pool.BlockNumber(context.Background()); !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Errorf("expected ErrNoHealthyEndpoints, got %v", err)
	}
}

func TestClientPool_CallerCancellationKeepsEndpointHealthy(t *testing.T) {
	clients := map[string]*fakeRPC{"http://a": {err: context.Canceled}}
	pool := newTestPool(t, clients, "http://a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.CallContract(ctx, ethereum.CallMsg{}, nil); err == nil {
		t.Fatal("expected error")
	}
	if !pool.GetEndpointStatus()["http://a"] {
		t.Error("cancelled call should not mark endpoint unhealthy")
	}
}

func TestClientPool_HealthCheckRecovers(t *testing.T) {
	clients := map[string]*fakeRPC{"http://a": {block: 1}}
	pool := newTestPool(t, clients, "http://a", "http://b")

	clients["http://b"] = &fakeRPC{block: 2}
	pool.checkAllEndpoints(context.Background())

	if !pool.GetEndpointStatus()["http://b"] {
		t.Error("expected redialed endpoint to become healthy")
	}

	clients["http://a"].err = errors.New("down")
	pool.checkAllEndpoints(context.Background())

	if pool.GetEndpointStatus()["http://a"] {
		t.Error("expected failing endpoint to become unhealthy")
	}
	if !clients["http://a"].closed.Load() {
		t.Error("expected failing client to be closed")
	}
}

func TestClientPool_RoundRobin(t *testing.T) {
	clients := map[string]*fakeRPC{"http://a": {block: 1}, "http://b": {block: 1}}
	pool := newTestPool(t, clients, "http://a", "http://b")

	for i := 0; i < 4; i++ {
		_, _ = pool.BlockNumber(context.Background())
	}

	if clients["http://a"].calls.Load() != 2 || clients["http://b"].calls.Load() != 2 {
		t.Errorf("expected calls spread evenly, got a=%d b=%d",
			clients["http://a"].calls.Load(), clients["http://b"].calls.Load())
	}
}

func TestClientPool_ConcurrentAccess(t *testing.T) {
	clients := map[string]*fakeRPC{"http://a": {block: 7}, "http://b": {block: 7}}
	pool := newTestPool(t, clients, "http://a", "http://b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := pool.BlockNumber(context.Background()); err != nil || n != 7 {
				t.Errorf("BlockNumber = %d, %v", n, err)
			}
		}()
	}
	wg.Wait()
}
