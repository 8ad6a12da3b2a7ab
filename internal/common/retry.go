package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Retry runs connect with exponential backoff until it succeeds, attempts are
// exhausted or ctx is done.
func Retry(ctx context.Context, logger zerolog.Logger, what string, attempts uint64, connect func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if attempts > 0 {
		b = backoff.WithMaxRetries(b, attempts-1)
	}

	return backoff.RetryNotify(func() error {
		return connect(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("target", what).Dur("retry_in", wait).Msg("connect failed, retrying")
	})
}
