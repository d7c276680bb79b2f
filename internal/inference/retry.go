package inference

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the defaults used for backend calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// attempts are used up. Sessions mark errors that follow partial output as
// non-retryable, so those are never repeated.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = utils.GetLogger()
	}

	policy := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		policy.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxInterval = cfg.MaxBackoff
	}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := op(ctx)
		if err != nil && !apperrors.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			utils.GetMetricsCollector().IncrementCounter("inference.retry")
			logger.Warn("retrying inference",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}
