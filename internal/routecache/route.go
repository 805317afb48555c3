package routecache

import (
	"context"

	"github.com/shopspring/decimal"
)

// RouteRequest asks the routing engine for the best route of a trade.
type RouteRequest struct {
	TokenIn   string
	TokenOut  string
	Amount    decimal.Decimal
	TradeType TradeType
	Protocols []string
}

// RouteRequestFromFill converts a fill request into an engine request
func RouteRequestFromFill(req FillRequest) RouteRequest {
	return RouteRequest{
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		TradeType: req.TradeType,
		Protocols: req.Protocols,
	}
}

// RouteComputer computes routes live. The returned BlockNumber is advisory;
// callers stamp the block they are serving.
type RouteComputer interface {
	ComputeRoute(ctx context.Context, req RouteRequest) (*CachedRoutes, error)
}
