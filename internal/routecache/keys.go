package routecache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeType is the trade direction. Its numeric value is part of the
// partition key.
type TradeType int

const (
	// ExactInput fixes the amount of tokenIn
	ExactInput TradeType = 0
	// ExactOutput fixes the amount of tokenOut
	ExactOutput TradeType = 1
)

func (t TradeType) String() string {
	switch t {
	case ExactInput:
		return "exact_input"
	case ExactOutput:
		return "exact_output"
	default:
		return "unknown"
	}
}

// ParseTradeType accepts the config spelling, the short API spelling and
// the numeric form.
func ParseTradeType(s string) (TradeType, error) {
	switch strings.ToLower(s) {
	case "exact_input", "exactin", "0":
		return ExactInput, nil
	case "exact_output", "exactout", "1":
		return ExactOutput, nil
	default:
		return ExactInput, fmt.Errorf("unknown trade type: %q", s)
	}
}

// PairTradeTypeChainID is the partition key of cached routes.
type PairTradeTypeChainID struct {
	TokenIn   string
	TokenOut  string
	TradeType TradeType
}

// NewPairTradeTypeChainID lowercases addresses so keys are case-insensitive
func NewPairTradeTypeChainID(tokenIn, tokenOut string, tradeType TradeType) PairTradeTypeChainID {
	return PairTradeTypeChainID{
		TokenIn:   strings.ToLower(tokenIn),
		TokenOut:  strings.ToLower(tokenOut),
		TradeType: tradeType,
	}
}

// PairForQuote maps an amount token and a quote token to tokenIn/tokenOut.
// For ExactInput the amount is spent and the quote token received; for
// ExactOutput the amount is received and the quote token spent.
func PairForQuote(amountToken, quoteToken string, tradeType TradeType) PairTradeTypeChainID {
	if tradeType == ExactOutput {
		return NewPairTradeTypeChainID(quoteToken, amountToken, tradeType)
	}
	return NewPairTradeTypeChainID(amountToken, quoteToken, tradeType)
}

// String renders tokenIn/tokenOut/tradeType. Stored data depends on this format.
func (p PairTradeTypeChainID) String() string {
	return fmt.Sprintf("%s/%s/%d", strings.ToLower(p.TokenIn), strings.ToLower(p.TokenOut), int(p.TradeType))
}

// ProtocolsBucketBlockNumber is the sort key of cached routes.
type ProtocolsBucketBlockNumber struct {
	Protocols   []string
	Bucket      decimal.Decimal
	BlockNumber uint64
	HasBlock    bool
}

// NewProtocolsBucketBlockNumber builds a full key
func NewProtocolsBucketBlockNumber(protocols []string, bucket decimal.Decimal, blockNumber uint64) ProtocolsBucketBlockNumber {
	return ProtocolsBucketBlockNumber{
		Protocols:   NormalizeProtocols(protocols),
		Bucket:      bucket,
		BlockNumber: blockNumber,
		HasBlock:    true,
	}
}

// NewProtocolsBucketPrefix builds a key without block number, for queries
func NewProtocolsBucketPrefix(protocols []string, bucket decimal.Decimal) ProtocolsBucketBlockNumber {
	return ProtocolsBucketBlockNumber{
		Protocols: NormalizeProtocols(protocols),
		Bucket:    bucket,
	}
}

// NormalizeProtocols uppercases, sorts and deduplicates protocol identifiers
func NormalizeProtocols(protocols []string) []string {
	seen := make(map[string]struct{}, len(protocols))
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ProtocolsBucketPartialKey renders protocols/bucket/ and is a prefix of
// every FullKey for the same protocols and bucket.
func (k ProtocolsBucketBlockNumber) ProtocolsBucketPartialKey() string {
	return strings.Join(k.Protocols, ",") + "/" + k.Bucket.String() + "/"
}

// blockNumberWidth fits any uint64, so lexicographic order of full keys is
// block order in every SortedStore.
const blockNumberWidth = 20

// FullKey renders protocols/bucket/blockNumber with the block zero-padded.
// Without a block number it degrades to the partial key.
func (k ProtocolsBucketBlockNumber) FullKey() string {
	if !k.HasBlock {
		return k.ProtocolsBucketPartialKey()
	}
	return fmt.Sprintf("%s%0*d", k.ProtocolsBucketPartialKey(), blockNumberWidth, k.BlockNumber)
}
