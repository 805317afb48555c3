// Package blockchain provides failover access to Ethereum RPC endpoints: the
// current block number for cache freshness and contract calls for pool state.
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// ErrNoHealthyEndpoints is returned when every endpoint is marked unhealthy
var ErrNoHealthyEndpoints = errors.New("no healthy RPC endpoints available")

// RPCClient is the subset of *ethclient.Client the pool relies on
type RPCClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens an RPCClient for a URL
type Dialer func(ctx context.Context, url string) (RPCClient, error)

// DialEthClient is the production Dialer
func DialEthClient(ctx context.Context, url string) (RPCClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RPCEndpoint represents a single Ethereum RPC endpoint
type RPCEndpoint struct {
	URL     string
	Weight  int
	healthy atomic.Bool

	mu     sync.Mutex
	client RPCClient
}

func (e *RPCEndpoint) getClient() RPCClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *RPCEndpoint) setClient(c RPCClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

// ClientPool manages multiple RPC endpoints with health tracking and
// failover. It satisfies bind.ContractCaller.
type ClientPool struct {
	endpoints      []*RPCEndpoint
	current        int
	mu             sync.Mutex
	dial           Dialer
	logger         *observability.Logger
	health         observability.Gauge
	healthCheckTTL time.Duration
	cancel         context.CancelFunc
}

// ClientPoolConfig holds client pool configuration
type ClientPoolConfig struct {
	Endpoints      []EndpointConfig
	Logger         *observability.Logger
	Meter          observability.Meter
	HealthCheckTTL time.Duration
	// Dial defaults to DialEthClient
	Dial Dialer
}

// EndpointConfig represents endpoint configuration
type EndpointConfig struct {
	URL    string
	Weight int
}

// NewClientPool dials every endpoint and starts background health checks.
// Endpoints that fail to dial start unhealthy and are retried by the checks.
func NewClientPool(ctx context.Context, cfg ClientPoolConfig) (*ClientPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.HealthCheckTTL == 0 {
		cfg.HealthCheckTTL = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthClient
	}
	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	pool := &ClientPool{
		dial:           cfg.Dial,
		logger:         observability.OrNop(cfg.Logger),
		health:         meter.Gauge("rpc_endpoint_healthy", "1 when the RPC endpoint passes health checks"),
		healthCheckTTL: cfg.HealthCheckTTL,
	}

	for _, epCfg := range cfg.Endpoints {
		endpoint := &RPCEndpoint{URL: epCfg.URL, Weight: epCfg.Weight}

		client, err := cfg.Dial(ctx, epCfg.URL)
		if err != nil {
			pool.logger.LogError(ctx, "failed to connect to RPC endpoint", err, "url", epCfg.URL)
		} else {
			endpoint.client = client
			endpoint.healthy.Store(true)
			pool.logger.Info("connected to RPC endpoint", "url", epCfg.URL, "weight", epCfg.Weight)
		}
		pool.endpoints = append(pool.endpoints, endpoint)
	}

	if pool.GetHealthyEndpointCount() == 0 {
		return nil, ErrNoHealthyEndpoints
	}

	checkCtx, cancel := context.WithCancel(context.Background())
	pool.cancel = cancel
	go pool.startHealthChecks(checkCtx)

	return pool, nil
}

// next returns the next healthy endpoint in round-robin order
func (cp *ClientPool) next() (*RPCEndpoint, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for attempts := 0; attempts < len(cp.endpoints); attempts++ {
		endpoint := cp.endpoints[cp.current]
		cp.current = (cp.current + 1) % len(cp.endpoints)

		if endpoint.healthy.Load() && endpoint.getClient() != nil {
			return endpoint, nil
		}
	}

	return nil, ErrNoHealthyEndpoints
}

// withFailover runs fn against healthy endpoints until one succeeds. An
// endpoint that fails for reasons other than the caller's context is marked
// unhealthy and the next one is tried.
func withFailover[T any](ctx context.Context, cp *ClientPool, fn func(RPCClient) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < len(cp.endpoints); attempt++ {
		endpoint, err := cp.next()
		if err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: last error: %v", err, lastErr)
			}
			return zero, err
		}

		res, err := fn(endpoint.getClient())
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		lastErr = err
		cp.MarkUnhealthy(endpoint.URL)
	}

	return zero, fmt.Errorf("all RPC endpoints failed: %w", lastErr)
}

// BlockNumber returns the latest block number
func (cp *ClientPool) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, cp, func(c RPCClient) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

// CodeAt implements bind.ContractCaller
func (cp *ClientPool) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return withFailover(ctx, cp, func(c RPCClient) ([]byte, error) {
		return c.CodeAt(ctx, contract, blockNumber)
	})
}

// CallContract implements bind.ContractCaller
func (cp *ClientPool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return withFailover(ctx, cp, func(c RPCClient) ([]byte, error) {
		return c.CallContract(ctx, call, blockNumber)
	})
}

// MarkUnhealthy marks an endpoint as unhealthy
func (cp *ClientPool) MarkUnhealthy(url string) {
	for _, endpoint := range cp.endpoints {
		if endpoint.URL == url {
			if endpoint.healthy.Swap(false) {
				cp.logger.Warn("marking RPC endpoint as unhealthy", "url", url)
				cp.health.Record(context.Background(), 0, attribute.String("url", url))
			}
			return
		}
	}
}

func (cp *ClientPool) startHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(cp.healthCheckTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.checkAllEndpoints(ctx)
		}
	}
}

func (cp *ClientPool) checkAllEndpoints(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, cp.healthCheckTTL)
	defer cancel()

	var wg sync.WaitGroup
	for _, endpoint := range cp.endpoints {
		wg.Add(1)
		go func(ep *RPCEndpoint) {
			defer wg.Done()
			cp.checkEndpoint(checkCtx, ep)
		}(endpoint)
	}
	wg.Wait()
}

// checkEndpoint redials missing clients and probes with eth_blockNumber
func (cp *ClientPool) checkEndpoint(ctx context.Context, endpoint *RPCEndpoint) {
	client := endpoint.getClient()
	if client == nil {
		dialed, err := cp.dial(ctx, endpoint.URL)
		if err != nil {
			endpoint.healthy.Store(false)
			cp.health.Record(ctx, 0, attribute.String("url", endpoint.URL))
			return
		}
		endpoint.setClient(dialed)
		client = dialed
		cp.logger.Info("reconnected to RPC endpoint", "url", endpoint.URL)
	}

	if _, err := client.BlockNumber(ctx); err != nil {
		if ctx.Err() != nil {
			cp.logger.Debug("RPC health check timed out, keeping client", "url", endpoint.URL)
			return
		}

		if endpoint.healthy.Swap(false) {
			cp.logger.LogError(ctx, "RPC endpoint health check failed", err, "url", endpoint.URL)
		}
		cp.health.Record(ctx, 0, attribute.String("url", endpoint.URL))

		client.Close()
		endpoint.setClient(nil)
		return
	}

	if !endpoint.healthy.Swap(true) {
		cp.logger.Info("RPC endpoint is now healthy", "url", endpoint.URL)
	}
	cp.health.Record(ctx, 1, attribute.String("url", endpoint.URL))
}

// GetHealthyEndpointCount returns the number of healthy endpoints
func (cp *ClientPool) GetHealthyEndpointCount() int {
	count := 0
	for _, endpoint := range cp.endpoints {
		if endpoint.healthy.Load() {
			count++
		}
	}
	return count
}

// GetEndpointStatus returns status of all endpoints
func (cp *ClientPool) GetEndpointStatus() map[string]bool {
	status := make(map[string]bool, len(cp.endpoints))
	for _, endpoint := range cp.endpoints {
		status[endpoint.URL] = endpoint.healthy.Load()
	}
	return status
}

// Close stops health checks and closes all client connections
func (cp *ClientPool) Close() {
	if cp.cancel != nil {
		cp.cancel()
	}

	for _, endpoint := range cp.endpoints {
		if c := endpoint.getClient(); c != nil {
			c.Close()
		}
	}

	cp.logger.Info("closed all RPC client connections")
}
