package retry

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/smartcity-labs/traffic-storage/api"
)

var log = logging.Logger("retry")

// Retry runs f up to attempts times, doubling the sleep between attempts up
// to max. Only errors matching one of retryable are retried; anything else
// is returned immediately. Cancellation of ctx cuts the backoff short.
func Retry[T any](ctx context.Context, attempts int, initial, max time.Duration, retryable []error, f func(ctx context.Context) (T, error)) (result T, err error) {
	backoff := initial
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
		result, err = f(ctx)
		if err == nil || !api.ErrorIsIn(err, retryable) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, err
		}
	}
	log.Errorf("failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
