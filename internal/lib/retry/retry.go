package retrylib

import (
	"context"

	"github.com/avast/retry-go"

	"fulfillment-worker/internal/config"
)

// Classifier reports whether an error is worth another attempt. Each worker
// supplies its own; business-fatal errors return false and short-circuit.
type Classifier func(err error) bool

// Do runs fn under the worker's retry budget with exponential backoff.
// The returned error is the last attempt's error once the budget is spent
// or the classifier rejects the error.
func Do(ctx context.Context, cfg config.RetryConfig, classify Classifier, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retry.RetryIfFunc(classify)),
	)
}
