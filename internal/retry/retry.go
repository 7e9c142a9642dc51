// Package retry decides whether a failed task gets another attempt.
package retry

import (
	"time"

	"github.com/kination/dagrun/pkg/task"
)

// Verdict is the decision taken after a failed attempt.
type Verdict struct {
	Retry bool
	// Delay is the minimum wait before the next attempt when Retry is set.
	Delay time.Duration
}

// Exhausted reports that no attempts remain.
func (v Verdict) Exhausted() bool { return !v.Retry }

// Decide returns the verdict after attempts failed attempts. RetryLimit counts
// every attempt, so a limit of 3 allows the initial attempt and two retries.
func Decide(attempts int, opts task.Options) Verdict {
	if attempts >= opts.RetryLimit {
		return Verdict{}
	}
	return Verdict{Retry: true, Delay: Delay(attempts, opts)}
}

// Delay returns the wait that follows the given failed attempt number.
func Delay(attempt int, opts task.Options) time.Duration {
	d := opts.RetryDelay
	if d < 0 {
		d = 0
	}
	if !opts.ExponentialBackoff || d == 0 {
		return d
	}
	for i := 1; i < attempt; i++ {
		if opts.MaxRetryDelay > 0 && d >= opts.MaxRetryDelay {
			break
		}
		// Stop doubling before the duration overflows.
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if opts.MaxRetryDelay > 0 && d > opts.MaxRetryDelay {
		d = opts.MaxRetryDelay
	}
	return d
}
