// Package resilience holds the retry policy shared by the REST clients
// for telephony and speech vendors.
package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with a fixed backoff. Each
// vendor client carries one policy; the call-control hot path keeps the
// budget small so a dead vendor fails fast.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or the retry budget is spent, returning
// the last error.
func (r RetryPolicy) Do(fn func() error) error {
	return r.DoCtx(context.Background(), fn)
}

// DoCtx is Do with cancellation between attempts. The in-flight attempt
// is not interrupted; fn should honor its own context.
func (r RetryPolicy) DoCtx(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.MaxRetries {
			return err
		}
		select {
		case <-time.After(r.Backoff):
		case <-ctx.Done():
			return err
		}
	}
}
