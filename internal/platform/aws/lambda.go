package aws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-route-cache/internal/platform/observability"
	"github.com/agatticelli/dex-route-cache/internal/platform/resilience"
)

// ErrInvokeRejected is returned when Lambda does not accept an async invocation
var ErrInvokeRejected = errors.New("lambda: invocation rejected")

// LambdaAPI is the subset of the Lambda client used by LambdaInvoker
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvokerConfig holds LambdaInvoker configuration
type LambdaInvokerConfig struct {
	API            LambdaAPI
	Logger         *observability.Logger
	Meter          observability.Meter
	RetryConfig    *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
}

// LambdaInvoker fires asynchronous (Event) invocations. It does not wait for
// the function to run; a 202 from Lambda means the payload was queued.
type LambdaInvoker struct {
	api            LambdaAPI
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    resilience.RetryConfig
	logger         *observability.Logger
	invocations    observability.Counter
	latency        observability.Histogram
}

// NewLambdaInvoker creates an invoker with retry and circuit breaker
func NewLambdaInvoker(cfg LambdaInvokerConfig) *LambdaInvoker {
	logger := observability.OrNop(cfg.Logger)

	retryConfig := resilience.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retryConfig = *cfg.RetryConfig
	}

	circuitBreaker := cfg.CircuitBreaker
	if circuitBreaker == nil {
		circuitBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "lambda",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			OnStateChange:    logStateChange(logger),
		})
	}

	meter := cfg.Meter
	if meter == nil {
		meter = observability.NoopMeter()
	}

	return &LambdaInvoker{
		api:            cfg.API,
		circuitBreaker: circuitBreaker,
		retryConfig:    retryConfig,
		logger:         logger,
		invocations:    meter.Counter("lambda_invocations_total", "Async Lambda invocations by status"),
		latency:        meter.Histogram("lambda_invoke_duration_seconds", "Async Lambda invoke latency"),
	}
}

func logStateChange(logger *observability.Logger) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		logger.Info("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// Invoke queues payload for functionName with InvocationType Event
func (l *LambdaInvoker) Invoke(ctx context.Context, functionName string, payload []byte) error {
	start := time.Now()

	err := l.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, l.retryConfig, func(ctx context.Context) error {
			return l.invokeOnce(ctx, functionName, payload)
		})
	})

	status := "success"
	if err != nil {
		status = "error"
		l.logger.LogError(ctx, "lambda invoke failed", err,
			"function", functionName,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	attrs := []attribute.KeyValue{
		attribute.String("function", functionName),
		attribute.String("status", status),
	}
	l.invocations.Inc(ctx, attrs...)
	l.latency.RecordDuration(ctx, start, attrs...)

	return err
}

func (l *LambdaInvoker) invokeOnce(ctx context.Context, functionName string, payload []byte) error {
	out, err := l.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("lambda invoke %s: %w", functionName, err)
	}

	if out.StatusCode != http.StatusAccepted {
		// 4xx is a caller problem and will not improve on retry
		err := fmt.Errorf("%w: %s returned status %d", ErrInvokeRejected, functionName, out.StatusCode)
		if out.StatusCode >= 400 && out.StatusCode < 500 {
			return resilience.Permanent(err)
		}
		return err
	}
	return nil
}
