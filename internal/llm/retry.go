package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 5
	defaultCallTimeout = 60 * time.Second
)

// callWithRetry runs fn up to attempts times with a per-attempt timeout,
// backing off between failures. Model calls fail transiently often enough
// (rate limits, malformed JSON) that every provider call goes through here.
func callWithRetry[T any](ctx context.Context, logger *slog.Logger, label string, attempts uint64, perCall time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts-1), ctx)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, perCall)
		defer cancel()

		out, err := fn(callCtx)
		if err != nil {
			logger.Warn("model call failed, retrying", "call", label, "error", err)
			return err
		}
		result = out
		return nil
	}, policy)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
