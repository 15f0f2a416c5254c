package retry

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("retry")

func errorIsIn(err error, retryable []error) bool {
	for _, target := range retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Retry runs f up to attempts times, sleeping with exponential backoff
// between runs. Only errors matching one of retryable are retried; any
// other error is returned immediately. The sleep respects ctx.
func Retry[T any](ctx context.Context, attempts int, sleep time.Duration, retryable []error, f func() (T, error)) (result T, err error) {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i, "error", err)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return result, ctx.Err()
			}
			sleep *= 2
		}
		result, err = f()
		if err == nil || !errorIsIn(err, retryable) {
			return result, err
		}
	}
	log.Errorf("failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
