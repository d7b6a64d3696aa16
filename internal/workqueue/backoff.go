package workqueue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffOptions parameterizes DefaultBackoff. The zero value is not
// usable; use DefaultBackoffOptions.
type BackoffOptions struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// DefaultBackoffOptions is the default retry curve:
// delay = min(cap, base*2^(attempt-1)) + uniform(0, jitter).
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		Base:   500 * time.Millisecond,
		Cap:    2 * time.Minute,
		Jitter: 250 * time.Millisecond,
	}
}

// DefaultBackoff computes the retry delay for the given attempt number
// (1-indexed) under DefaultBackoffOptions.
func DefaultBackoff(attempt int) time.Duration {
	return Backoff(attempt, DefaultBackoffOptions())
}

// Backoff computes the retry delay for attempt (1-indexed) under opts.
func Backoff(attempt int, opts BackoffOptions) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(opts.Base) * exp)
	if delay > opts.Cap {
		delay = opts.Cap
	}
	if opts.Jitter > 0 {
		delay += time.Duration(rand.Float64() * float64(opts.Jitter))
	}
	return delay
}
