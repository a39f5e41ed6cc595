// retry.go is the declarative retry decorator. Every networked engine
// operation runs through Retry or RetryValue (with DefaultOrderAttempts for
// the order-not-found path).
// Mutating calls where an unacknowledged retry risks double-placement pass
// attempts=0 and therefore fail on the first classified error.
package exerr

import (
	"context"
	"log/slog"
	"time"

	"exchange-engine/internal/metrics"
)

const (
	// DefaultAttempts bounds non-order retries (markets, candles, trades).
	DefaultAttempts = 4

	// DefaultOrderAttempts bounds retryable-order retries.
	DefaultOrderAttempts = 3

	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// Retry invokes fn up to attempts+1 times. Between attempts it sleeps with
// exponential backoff; DDoSProtection errors double the wait again. A
// non-retriable error, context cancellation, or attempt exhaustion returns
// the last error.
func Retry(ctx context.Context, logger *slog.Logger, attempts int, op string, fn func() error) error {
	backoff := baseBackoff
	for tries := 0; ; tries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !Retriable(err) || tries >= attempts {
			return err
		}

		wait := backoff
		if Is(err, KindDDoSProtection) {
			wait *= 2
		}
		metrics.CountRetry(op)
		logger.Warn("retrying operation",
			"op", op,
			"attempt", tries+1,
			"of", attempts,
			"backoff", wait,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return Wrap(KindTemporary, ctx.Err(), "%s cancelled", op)
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// RetryValue is Retry for operations returning a value.
func RetryValue[T any](ctx context.Context, logger *slog.Logger, attempts int, op string, fn func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, logger, attempts, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
