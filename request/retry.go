package request

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// isTransient reports whether an error is worth retrying. Network-level
// failures, 5xx responses and 429 throttling are transient; other client
// errors fail immediately.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// retryDispatch runs fn with exponential backoff, retrying only transient
// failures, up to maxAttempts. It returns the response, the number of
// attempts made and the final error.
func retryDispatch(ctx context.Context, fn func() (*Response, error), maxAttempts int, initial, maxInterval time.Duration, onRetry func(err error, next time.Duration)) (*Response, int, error) {
	attempts := 0

	operation := func() (*Response, error) {
		attempts++
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)), //nolint:gosec // validated > 0 at construction
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			onRetry(err, next)
		}))
	}

	resp, err := backoff.Retry(ctx, operation, opts...)
	return resp, attempts, err
}
