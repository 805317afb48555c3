// Package pools provides Uniswap V3 pool metadata: an on-chain provider, a
// write-through caching provider, and a traffic switcher for migrating
// between provider implementations.
package pools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrComparisonMismatch marks a disagreement between two providers found
	// by a sampled comparison. It is logged, never returned to callers.
	ErrComparisonMismatch = errors.New("pools: provider comparison mismatch")

	// ErrInvalidPair is returned for identical or zero token addresses
	ErrInvalidPair = errors.New("pools: invalid token pair")
)

// Pair is an unordered token pair, stored with Token0 < Token1.
type Pair struct {
	Token0 common.Address
	Token1 common.Address
}

// NewPair orders two tokens the way pool contracts do
func NewPair(tokenA, tokenB common.Address) (Pair, error) {
	if tokenA == tokenB || tokenA == (common.Address{}) || tokenB == (common.Address{}) {
		return Pair{}, fmt.Errorf("%w: %s/%s", ErrInvalidPair, tokenA.Hex(), tokenB.Hex())
	}
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) > 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	return Pair{Token0: tokenA, Token1: tokenB}, nil
}

func (p Pair) String() string {
	return strings.ToLower(p.Token0.Hex()) + "/" + strings.ToLower(p.Token1.Hex())
}

// PoolKey identifies a pool by pair and fee tier in hundredths of a bip
type PoolKey struct {
	Pair
	Fee uint32
}

// NewPoolKey builds a normalized key
func NewPoolKey(tokenA, tokenB common.Address, fee uint32) (PoolKey, error) {
	pair, err := NewPair(tokenA, tokenB)
	if err != nil {
		return PoolKey{}, err
	}
	return PoolKey{Pair: pair, Fee: fee}, nil
}

// CacheKey renders pools/<token0>/<token1>/<fee>
func (k PoolKey) CacheKey() string {
	return fmt.Sprintf("pools/%s/%d", k.Pair, k.Fee)
}

// Pool is the metadata of one deployed pool
type Pool struct {
	Address      common.Address `json:"address"`
	Token0       common.Address `json:"token0"`
	Token1       common.Address `json:"token1"`
	Fee          uint32         `json:"fee"`
	SqrtPriceX96 *big.Int       `json:"sqrtPriceX96,omitempty"`
	Tick         int32          `json:"tick"`
	Liquidity    *big.Int       `json:"liquidity,omitempty"`
}

// Key returns the pool's key
func (p Pool) Key() PoolKey {
	return PoolKey{Pair: Pair{Token0: p.Token0, Token1: p.Token1}, Fee: p.Fee}
}

// Provider returns pool metadata. GetPools returns the deployed pools of a
// pair ordered by fee tier.
type Provider interface {
	GetPools(ctx context.Context, pair Pair) ([]Pool, error)
	GetPoolAddress(ctx context.Context, key PoolKey) (common.Address, error)
}
