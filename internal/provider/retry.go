package provider

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy is an explicit backoff policy threaded as a value into the
// components that call the provider, instead of per-call-site sleep loops.
type RetryPolicy struct {
	Attempts uint64
	Delay    time.Duration
}

// Do runs fn, retrying retryable provider errors up to Attempts extra times
// with a constant delay. Non-retryable errors and context cancellation stop
// immediately; the last error is returned after exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Second
	}
	backoff := retry.WithMaxRetries(p.Attempts, retry.NewConstant(delay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
