package routecache

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPairTradeTypeChainIDString(t *testing.T) {
	got := testPair.String()
	want := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48/0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2/0"
	if got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}

	mixed := PairTradeTypeChainID{TokenIn: "0xABC", TokenOut: "0xDeF", TradeType: ExactOutput}
	if got := mixed.String(); got != "0xabc/0xdef/1" {
		t.Errorf("String() = %s, want 0xabc/0xdef/1", got)
	}
}

func TestPairForQuote(t *testing.T) {
	in := PairForQuote("0xUSDC", "0xWETH", ExactInput)
	if in.TokenIn != "0xusdc" || in.TokenOut != "0xweth" {
		t.Errorf("ExactInput pair = %+v", in)
	}

	out := PairForQuote("0xUSDC", "0xWETH", ExactOutput)
	if out.TokenIn != "0xweth" || out.TokenOut != "0xusdc" {
		t.Errorf("ExactOutput pair = %+v", out)
	}
}

func TestSortKeys(t *testing.T) {
	b := decimal.RequireFromString("1000")

	full := NewProtocolsBucketBlockNumber([]string{"v3", "V2", "v3"}, b, 19000000)
	if got := full.FullKey(); got != "V2,V3/1000/00000000000019000000" {
		t.Errorf("FullKey() = %s", got)
	}

	prefix := NewProtocolsBucketPrefix([]string{"V3", "v2"}, b)
	if got := prefix.ProtocolsBucketPartialKey(); got != "V2,V3/1000/" {
		t.Errorf("ProtocolsBucketPartialKey() = %s", got)
	}
	if !strings.HasPrefix(full.FullKey(), prefix.ProtocolsBucketPartialKey()) {
		t.Error("Partial key must prefix the full key")
	}
	if prefix.FullKey() != prefix.ProtocolsBucketPartialKey() {
		t.Error("FullKey without block should equal the partial key")
	}
}

func TestFullKeysSortByBlockNumber(t *testing.T) {
	b := decimal.NewFromInt(100)
	blocks := []uint64{9, 10, 99, 100, 999999, 1000000, math.MaxUint64}
	for i := 1; i < len(blocks); i++ {
		lower := NewProtocolsBucketBlockNumber(v3, b, blocks[i-1]).FullKey()
		higher := NewProtocolsBucketBlockNumber(v3, b, blocks[i]).FullKey()
		if lower >= higher {
			t.Errorf("key for block %d (%s) must sort below block %d (%s)", blocks[i-1], lower, blocks[i], higher)
		}
	}
}

func TestPartialKeyDoesNotMatchOtherBuckets(t *testing.T) {
	p10 := NewProtocolsBucketPrefix([]string{"V3"}, decimal.NewFromInt(10)).ProtocolsBucketPartialKey()
	k100 := NewProtocolsBucketBlockNumber([]string{"V3"}, decimal.NewFromInt(100), 5).FullKey()
	if strings.HasPrefix(k100, p10) {
		t.Errorf("%s must not match prefix %s", k100, p10)
	}
}

func TestParseTradeType(t *testing.T) {
	tests := map[string]TradeType{
		"exact_input":  ExactInput,
		"EXACTIN":      ExactInput,
		"0":            ExactInput,
		"exact_output": ExactOutput,
		"exactOut":     ExactOutput,
		"1":            ExactOutput,
	}
	for in, want := range tests {
		got, err := ParseTradeType(in)
		if err != nil || got != want {
			t.Errorf("ParseTradeType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTradeType("sideways"); err == nil {
		t.Error("Expected error")
	}
}
