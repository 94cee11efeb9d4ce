package retry

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("retry")

const (
	// DefaultAttempts is the retry ceiling applied to remote calls when the
	// caller doesn't override it.
	DefaultAttempts = 5

	// DefaultDelay is the fixed inter-attempt delay. Backoff is deliberately
	// not exponential: every wrapped call is either an idempotent read or a
	// write guarded upstream by in-flight tracking.
	DefaultDelay = 5 * time.Second
)

// Do invokes f until it returns a nil error, up to attempts tries, sleeping
// delay between tries. The last error is returned once the ceiling is hit.
// Cancelling ctx aborts the sleep between attempts, not an attempt itself;
// f is expected to honor ctx on its own.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, f func(context.Context) (T, error)) (result T, err error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		result, err = f(ctx)
		if err == nil {
			return result, nil
		}
		if i >= attempts {
			break
		}
		log.Debugw("call failed, will retry", "attempt", i, "ceiling", attempts, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	log.Debugw("call failed, retry ceiling reached", "attempts", attempts, "error", err)
	return result, err
}
