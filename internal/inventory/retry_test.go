package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
)

func TestIsTransientAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "request limit exceeded",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: true,
		},
		{
			name: "service unavailable",
			err:  &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "retry later"},
			want: true,
		},
		{
			name: "unauthorized",
			err:  &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "denied"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTransientAWSError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAWS_NonTransientDoesNotRetry(t *testing.T) {
	attempts := 0
	err := retryAWS(context.Background(), logger.Nop(), "describe_instances", "us-east-1", func(context.Context) error {
		attempts++
		return &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryAWS_TransientRetriesUntilSuccess(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = old })

	attempts := 0
	err := retryAWS(context.Background(), logger.Nop(), "describe_instances", "us-east-1", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryAWS_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryAWS(ctx, logger.Nop(), "describe_instances", "us-east-1", func(context.Context) error {
		return &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := withJitter(time.Second)
		if d < 100*time.Millisecond || d >= time.Second {
			t.Fatalf("jitter out of bounds: %v", d)
		}
	}
	if withJitter(0) != 0 {
		t.Fatal("zero delay should stay zero")
	}
}
