package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
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

	logger.Info("fill queue lambda initialized", "route_backend", cfg.RouteCache.Backend)
}

// Handler processes fill requests published to SNS and delivered via SQS
func Handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var batchItemFailures []events.SQSBatchItemFailure
	succeeded, dropped := 0, 0

	for _, record := range sqsEvent.Records {
		req, err := decodeRecord(record)
		if err != nil {
			// Undecodable messages would fail on every retry
			logger.LogError(ctx, "dropping malformed fill message", err, "message_id", record.MessageId)
			dropped++
			continue
		}

		if err := filler.Fill(ctx, req); err != nil {
			logger.LogError(ctx, "fill failed", err,
				"message_id", record.MessageId,
				"request_id", req.RequestID,
			)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}
		succeeded++
	}

	logger.Info("processed fill batch",
		"records", len(sqsEvent.Records),
		"succeeded", succeeded,
		"failed", len(batchItemFailures),
		"dropped", dropped,
	)

	// SQS retries only the failed messages
	return events.SQSEventResponse{BatchItemFailures: batchItemFailures}, nil
}

// decodeRecord unwraps the SNS envelope from an SQS record body
func decodeRecord(record events.SQSMessage) (routecache.FillRequest, error) {
	var envelope events.SNSEntity
	if err := json.Unmarshal([]byte(record.Body), &envelope); err != nil {
		return routecache.FillRequest{}, fmt.Errorf("failed to parse SQS body: %w", err)
	}
	if envelope.Message == "" {
		// Raw message delivery skips the envelope
		return routecache.DecodeFillRequest([]byte(record.Body))
	}
	return routecache.DecodeFillRequest([]byte(envelope.Message))
}

func main() {
	lambda.Start(Handler)
}
