package reports

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxTries        = 6
)

// withBusyRetry runs fn again with exponential backoff while the database reports
// it is busy. Any other error stops the retry immediately.
func withBusyRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		StoreRetries.Inc()
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(retryMaxTries))
	return err
}
