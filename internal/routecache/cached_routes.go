package routecache

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CachedRoute is one split of a cached route. Route is the engine's route
// plan, kept opaque.
type CachedRoute struct {
	RouteID  string          `json:"routeId"`
	Protocol string          `json:"protocol"`
	Percent  int             `json:"percent"`
	Route    json.RawMessage `json:"route"`
}

// CachedRoutes is the cached payload for one pair, bucket and block.
type CachedRoutes struct {
	Routes         []CachedRoute   `json:"routes"`
	TokenIn        string          `json:"tokenIn"`
	TokenOut       string          `json:"tokenOut"`
	TradeType      TradeType       `json:"tradeType"`
	BlockNumber    uint64          `json:"blockNumber"`
	Protocols      []string        `json:"protocols"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	BlocksToLive   uint64          `json:"blocksToLive"`
}

// Splits is the number of splits in the route
func (c *CachedRoutes) Splits() int {
	return len(c.Routes)
}

// Pair derives the partition key
func (c *CachedRoutes) Pair() PairTradeTypeChainID {
	return NewPairTradeTypeChainID(c.TokenIn, c.TokenOut, c.TradeType)
}

// RouteIDs returns the route identifiers in order
func (c *CachedRoutes) RouteIDs() []string {
	ids := make([]string, len(c.Routes))
	for i, r := range c.Routes {
		ids[i] = r.RouteID
	}
	return ids
}

func encodeCachedRoutes(c *CachedRoutes) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCachedRoutes(data []byte) (*CachedRoutes, error) {
	var c CachedRoutes
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if c.TokenIn == "" || c.TokenOut == "" || len(c.Routes) == 0 {
		return nil, fmt.Errorf("%w: missing tokens or routes", ErrMalformedEntry)
	}
	return &c, nil
}
