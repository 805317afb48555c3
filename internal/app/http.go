package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-route-cache/internal/platform/config"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/resilience"
	"github.com/agatticelli/dex-route-cache/internal/pools"
	"github.com/agatticelli/dex-route-cache/internal/quote"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

// Quoter answers quote requests
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*quote.Result, error)
}

// HandlerConfig holds the dependencies of the HTTP API
type HandlerConfig struct {
	Quotes Quoter
	Pools  pools.Provider
	// Ready reports whether the process can serve; nil is always ready
	Ready   func(ctx context.Context) error
	Metrics http.Handler
	Logger  *observability.Logger
}

type quoteResponse struct {
	Source      string                   `json:"source"`
	CacheMode   string                   `json:"cacheMode"`
	BlockNumber uint64                   `json:"blockNumber"`
	Routes      *routecache.CachedRoutes `json:"routes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the HTTP API
func NewHandler(cfg HandlerConfig) http.Handler {
	logger := observability.OrNop(cfg.Logger).Named("http")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if cfg.Quotes != nil {
		mux.HandleFunc("GET /quote", func(w http.ResponseWriter, r *http.Request) {
			req, err := parseQuoteRequest(r)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}

			result, err := cfg.Quotes.Quote(r.Context(), req)
			if err != nil {
				logger.LogError(r.Context(), "quote failed", err,
					"amount_token", req.AmountToken,
					"quote_token", req.QuoteToken,
				)
				status := http.StatusBadGateway
				if errors.Is(err, resilience.ErrCircuitOpen) {
					status = http.StatusServiceUnavailable
				}
				writeJSON(w, status, errorResponse{Error: "route computation failed"})
				return
			}

			writeJSON(w, http.StatusOK, quoteResponse{
				Source:      result.Source,
				CacheMode:   result.CacheMode.String(),
				BlockNumber: result.BlockNumber,
				Routes:      result.Routes,
			})
		})
	}

	if cfg.Pools != nil {
		mux.HandleFunc("GET /pools", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			tokenA, errA := tokenAddress(q.Get("tokenA"))
			tokenB, errB := tokenAddress(q.Get("tokenB"))
			if err := errors.Join(errA, errB); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}

			if feeParam := q.Get("fee"); feeParam != "" {
				fee, err := strconv.ParseUint(feeParam, 10, 32)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid fee"})
					return
				}
				key, err := pools.NewPoolKey(tokenA, tokenB, uint32(fee))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
					return
				}
				addr, err := cfg.Pools.GetPoolAddress(r.Context(), key)
				if err != nil {
					logger.LogError(r.Context(), "pool address lookup failed", err, "pool", key.CacheKey())
					writeJSON(w, http.StatusBadGateway, errorResponse{Error: "pool lookup failed"})
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex()})
				return
			}

			pair, err := pools.NewPair(tokenA, tokenB)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
			found, err := cfg.Pools.GetPools(r.Context(), pair)
			if err != nil {
				logger.LogError(r.Context(), "pool lookup failed", err, "pair", pair.String())
				writeJSON(w, http.StatusBadGateway, errorResponse{Error: "pool lookup failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pools": found})
		})
	}

	return mux
}

// parseQuoteRequest reads
// /quote?amountToken=USDC&quoteToken=WETH&amount=1000&type=exactIn&protocols=v2,v3&optimistic=true
func parseQuoteRequest(r *http.Request) (quote.Request, error) {
	q := r.URL.Query()

	amountToken, err := config.ResolveTokenAddress(q.Get("amountToken"))
	if err != nil {
		return quote.Request{}, err
	}
	quoteToken, err := config.ResolveTokenAddress(q.Get("quoteToken"))
	if err != nil {
		return quote.Request{}, err
	}
	if amountToken == quoteToken {
		return quote.Request{}, errors.New("amountToken and quoteToken must differ")
	}

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil || !amount.IsPositive() {
		return quote.Request{}, errors.New("amount must be a positive decimal")
	}

	tradeType := routecache.ExactInput
	if t := q.Get("type"); t != "" {
		if tradeType, err = routecache.ParseTradeType(t); err != nil {
			return quote.Request{}, err
		}
	}

	var protocols []string
	if p := q.Get("protocols"); p != "" {
		protocols = strings.Split(p, ",")
	}

	optimistic := false
	if o := q.Get("optimistic"); o != "" {
		if optimistic, err = strconv.ParseBool(o); err != nil {
			return quote.Request{}, errors.New("optimistic must be a boolean")
		}
	}

	return quote.Request{
		AmountToken: amountToken,
		QuoteToken:  quoteToken,
		Amount:      amount,
		TradeType:   tradeType,
		Protocols:   protocols,
		Optimistic:  optimistic,
	}, nil
}

func tokenAddress(symbolOrAddress string) (common.Address, error) {
	addr, err := config.ResolveTokenAddress(symbolOrAddress)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(addr), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
