package config

import (
	"strings"
	"testing"
)

func TestParsePair_Valid(t *testing.T) {
	tests := []struct {
		pairName string
		token0   string
		token1   string
	}{
		{pairName: "ETH-USDC", token0: "ETH", token1: "USDC"},
		{pairName: "WBTC-WETH", token0: "WBTC", token1: "WETH"},
		{pairName: "DAI-USDC", token0: "DAI", token1: "USDC"},
	}

	for _, tt := range tests {
		t.Run(tt.pairName, func(t *testing.T) {
			a, b, err := ParsePair(tt.pairName)
			if err != nil {
				t.Fatalf("ParsePair(%s) failed: %v", tt.pairName, err)
			}
			if a.Symbol != tt.token0 || b.Symbol != tt.token1 {
				t.Errorf("Expected %s/%s, got %s/%s", tt.token0, tt.token1, a.Symbol, b.Symbol)
			}
		})
	}
}

func TestParsePair_InvalidPairs(t *testing.T) {
	tests := []struct {
		name     string
		pairName string
		errorMsg string
	}{
		{name: "not in registry", pairName: "BTC-USDC", errorMsg: "unknown token"},
		{name: "same token", pairName: "ETH-WETH", errorMsg: "must be different"},
		{name: "invalid format", pairName: "ETHUSDC", errorMsg: "invalid pair format"},
		{name: "too many dashes", pairName: "ETH-USDC-DAI", errorMsg: "invalid pair format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParsePair(tt.pairName)
			if err == nil {
				t.Fatalf("ParsePair(%s) should have failed but succeeded", tt.pairName)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Error message should contain '%s', got: %s", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestResolveTokenAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "USDC", want: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		{input: "weth", want: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"},
		{input: "0x6B175474E89094C44Da98b954EedeAC495271d0F", want: "0x6b175474e89094c44da98b954eedeac495271d0f"},
		{input: "NOPE", wantErr: true},
		{input: "0x1234", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ResolveTokenAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %s, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveTokenAddress(%s) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ResolveTokenAddress(%s) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestTokenRegistry_StablecoinsMarked(t *testing.T) {
	for _, symbol := range []string{"USDC", "USDT", "DAI"} {
		if !TokenRegistry[symbol].IsStablecoin {
			t.Errorf("%s should be marked as stablecoin", symbol)
		}
	}
	if TokenRegistry["WETH"].IsStablecoin {
		t.Error("WETH should not be marked as stablecoin")
	}
}
