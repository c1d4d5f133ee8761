package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// RetryConfig bounds how long ConnectWithRetry keeps trying.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries for up to 5 minutes, starting with 5 second intervals.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 5 * time.Second,
	MaxElapsedTime:  5 * time.Minute,
}

// ConnectWithRetry runs connect with exponential backoff until it succeeds,
// the retry budget is exhausted, or ctx is canceled. It is used to ride out
// brokers and databases that are still starting when the service boots.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg RetryConfig,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var result T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	operation := func() error {
		var err error
		result, err = connect(ctx)
		if err != nil {
			log.Warn(ctx, "connection failed, will retry", "target", name, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return result, nil
}
