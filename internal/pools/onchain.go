package pools

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
)

// Uniswap V3 pool ABI, state getters only
const uniswapV3PoolABI = `[
	{
		"inputs": [],
		"name": "slot0",
		"outputs": [
			{"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
			{"internalType": "int24", "name": "tick", "type": "int24"},
			{"internalType": "uint16", "name": "observationIndex", "type": "uint16"},
			{"internalType": "uint16", "name": "observationCardinality", "type": "uint16"},
			{"internalType": "uint16", "name": "observationCardinalityNext", "type": "uint16"},
			{"internalType": "uint8", "name": "feeProtocol", "type": "uint8"},
			{"internalType": "bool", "name": "unlocked", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "liquidity",
		"outputs": [
			{"internalType": "uint128", "name": "", "type": "uint128"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var poolABI = mustParseABI(uniswapV3PoolABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse pool ABI: %v", err))
	}
	return parsed
}

// DefaultFeeTiers are the Uniswap V3 mainnet fee tiers
var DefaultFeeTiers = []uint32{100, 500, 3000, 10000}

// OnChainProviderConfig holds OnChainProvider configuration
type OnChainProviderConfig struct {
	Caller       bind.ContractCaller
	Factory      common.Address
	InitCodeHash common.Hash
	FeeTiers     []uint32
	// MaxConcurrentCalls bounds in-flight RPC reads across all requests
	MaxConcurrentCalls int64
	Logger             *observability.Logger
	Meter              observability.Meter
}

// OnChainProvider derives pool addresses with CREATE2 and reads pool state
// from the chain. It does no caching.
type OnChainProvider struct {
	caller       bind.ContractCaller
	factory      common.Address
	initCodeHash common.Hash
	feeTiers     []uint32
	sem          *semaphore.Weighted
	logger       *observability.Logger
	reads        observability.Histogram
}

// NewOnChainProvider creates an OnChainProvider
func NewOnChainProvider(cfg OnChainProviderConfig) (*OnChainProvider, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("contract caller is required")
	}
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("factory address is required")
	}
	if cfg.InitCodeHash == (common.Hash{}) {
		return nil, fmt.Errorf("pool init code hash is required")
	}
	if len(cfg.FeeTiers) == 0 {
		cfg.FeeTiers = DefaultFeeTiers
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 8
	}

	tiers := append([]uint32(nil), cfg.FeeTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &OnChainProvider{
		caller:       cfg.Caller,
		factory:      cfg.Factory,
		initCodeHash: cfg.InitCodeHash,
		feeTiers:     tiers,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		logger:       observability.OrNop(cfg.Logger).Named("onchain_pools"),
		reads:        meter.Histogram("pool_state_read_seconds", "Duration of on-chain pool state reads"),
	}, nil
}

// FeeTiers returns the fee tiers GetPools inspects
func (p *OnChainProvider) FeeTiers() []uint32 {
	return append([]uint32(nil), p.feeTiers...)
}

// PoolAddress computes the CREATE2 address of a Uniswap V3 pool:
// keccak256(0xff ++ factory ++ keccak256(abi.encode(token0, token1, fee)) ++ initCodeHash)[12:].
func PoolAddress(factory common.Address, initCodeHash common.Hash, key PoolKey) common.Address {
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(key.Token0.Bytes(), 32),
		common.LeftPadBytes(key.Token1.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(uint64(key.Fee)).Bytes(), 32),
	)
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes())
}

// GetPoolAddress returns the deterministic address of the pool, deployed or not
func (p *OnChainProvider) GetPoolAddress(ctx context.Context, key PoolKey) (common.Address, error) {
	return PoolAddress(p.factory, p.initCodeHash, key), nil
}

// GetPools reads every configured fee tier of the pair and returns the
// deployed pools ordered by fee.
func (p *OnChainProvider) GetPools(ctx context.Context, pair Pair) ([]Pool, error) {
	found := make([]*Pool, len(p.feeTiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, fee := range p.feeTiers {
		key := PoolKey{Pair: pair, Fee: fee}
		g.Go(func() error {
			pool, err := p.readPool(gctx, key)
			if err != nil {
				return fmt.Errorf("read pool %s: %w", key.CacheKey(), err)
			}
			found[i] = pool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pools := make([]Pool, 0, len(found))
	for _, pool := range found {
		if pool != nil {
			pools = append(pools, *pool)
		}
	}
	return pools, nil
}

// readPool returns nil when no pool is deployed at the derived address
func (p *OnChainProvider) readPool(ctx context.Context, key PoolKey) (*Pool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	start := time.Now()
	defer p.reads.RecordDuration(ctx, start, attribute.Int("fee", int(key.Fee)))

	address := PoolAddress(p.factory, p.initCodeHash, key)
	contract := bind.NewBoundContract(address, poolABI, p.caller, nil, nil)
	opts := &bind.CallOpts{Context: ctx}

	var slot0 []interface{}
	if err := contract.Call(opts, &slot0, "slot0"); err != nil {
		if errors.Is(err, bind.ErrNoCode) {
			return nil, nil
		}
		return nil, fmt.Errorf("slot0: %w", err)
	}

	var liquidity []interface{}
	if err := contract.Call(opts, &liquidity, "liquidity"); err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}

	sqrtPrice, ok := slot0[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("slot0: unexpected sqrtPriceX96 type %T", slot0[0])
	}
	tick, ok := slot0[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("slot0: unexpected tick type %T", slot0[1])
	}
	liq, ok := liquidity[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("liquidity: unexpected type %T", liquidity[0])
	}

	// an uninitialized pool has a zero price and cannot be routed through
	if sqrtPrice.Sign() == 0 {
		p.logger.LogDebug(ctx, "skipping uninitialized pool", "pool", address.Hex())
		return nil, nil
	}

	return &Pool{
		Address:      address,
		Token0:       key.Token0,
		Token1:       key.Token1,
		Fee:          key.Fee,
		SqrtPriceX96: sqrtPrice,
		Tick:         int32(tick.Int64()),
		Liquidity:    liq,
	}, nil
}
