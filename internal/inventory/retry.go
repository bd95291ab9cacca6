package inventory

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
)

var retryBaseDelay = 250 * time.Millisecond

func retryAWS(ctx context.Context, log logger.Logger, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) || attempt == maxAttempts {
			return err
		}
		metrics.Default().IncCounter("fleet_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": awsErrorCode(err),
		})
		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Warn("aws retry",
			logger.String("op", opName),
			logger.String("region", region),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10% of delay, delay).
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + span/2
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
