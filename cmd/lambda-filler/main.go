package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/agatticelli/dex-route-cache/internal/app"
	"github.com/agatticelli/dex-route-cache/internal/platform/config"
	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/quote"
	"github.com/agatticelli/dex-route-cache/internal/routecache"
)

var (
	filler *quote.Filler
	logger *observability.Logger
)

func init() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	tel, err := app.NewTelemetry(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to set up telemetry: %v", err))
	}
	logger = tel.Logger

	filler, err = app.NewFiller(ctx, cfg, app.NewInfra(cfg, logger), tel)
	if err != nil {
		panic(fmt.Sprintf("failed to create filler: %v", err))
	}

	logger.Info("filler lambda initialized", "route_backend", cfg.RouteCache.Backend)
}

// Handler fills the route cache for one asynchronously invoked request
func Handler(ctx context.Context, payload json.RawMessage) error {
	req, err := routecache.DecodeFillRequest(payload)
	if err != nil {
		// Malformed payloads are dropped; retrying cannot fix them
		logger.LogError(ctx, "invalid fill request", err)
		return nil
	}
	return filler.Fill(ctx, req)
}

func main() {
	lambda.Start(Handler)
}
