package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/agatticelli/dex-route-cache/internal/platform/resilience"
)

type fakeLambda struct {
	inputs   []*lambda.InvokeInput
	statuses []int32
	errs     []error
}

func (f *fakeLambda) Invoke(ctx context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	i := len(f.inputs)
	f.inputs = append(f.inputs, in)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	status := int32(202)
	if i < len(f.statuses) {
		status = f.statuses[i]
	}
	return &lambda.InvokeOutput{StatusCode: status}, nil
}

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestLambdaInvoker_Invoke(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int32
		errs      []error
		wantErr   bool
		wantCalls int
	}{
		{name: "accepted", wantCalls: 1},
		{name: "transient error retried", errs: []error{errors.New("throttled")}, wantCalls: 2},
		{name: "client error not retried", statuses: []int32{403}, wantErr: true, wantCalls: 1},
		{name: "server error exhausts retries", statuses: []int32{500, 500, 500}, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeLambda{statuses: tt.statuses, errs: tt.errs}
			retry := fastRetry
			invoker := NewLambdaInvoker(LambdaInvokerConfig{API: fake, RetryConfig: &retry})

			err := invoker.Invoke(context.Background(), "route-cache-filler", []byte(`{"requestId":"x"}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Invoke error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(fake.inputs) != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, len(fake.inputs))
			}

			in := fake.inputs[0]
			if in.InvocationType != types.InvocationTypeEvent {
				t.Errorf("expected Event invocation, got %s", in.InvocationType)
			}
			if aws.ToString(in.FunctionName) != "route-cache-filler" {
				t.Errorf("function = %s", aws.ToString(in.FunctionName))
			}
		})
	}
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSClient_InvokePublishesPayload(t *testing.T) {
	fake := &fakeSNS{}
	client := NewSNSClient(SNSClientConfig{API: fake})

	topic := "arn:aws:sns:us-east-1:000000000000:route-cache-fill"
	if err := client.Invoke(context.Background(), topic, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.inputs))
	}
	if aws.ToString(fake.inputs[0].TopicArn) != topic || aws.ToString(fake.inputs[0].Message) != `{"a":1}` {
		t.Errorf("unexpected publish input: %+v", fake.inputs[0])
	}
}

func TestSNSClient_BreakerOpensAfterFailures(t *testing.T) {
	fake := &fakeSNS{err: errors.New("unavailable")}
	retry := resilience.RetryConfig{MaxAttempts: 1}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "sns-test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	client := NewSNSClient(SNSClientConfig{API: fake, RetryConfig: &retry, CircuitBreaker: breaker})

	for i := 0; i < 3; i++ {
		_ = client.Publish(context.Background(), "topic", []byte("m"), map[string]string{"kind": "fill"})
	}

	if client.CircuitBreakerState() != resilience.StateOpen {
		t.Errorf("expected open breaker, got %s", client.CircuitBreakerState())
	}
	if len(fake.inputs) != 2 {
		t.Errorf("expected breaker to short-circuit the third publish, got %d calls", len(fake.inputs))
	}
}
