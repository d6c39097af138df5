// Package retry wraps calls to external collaborators (feed APIs, notification
// endpoints) with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0,1]; 0.5 spreads each wait
	// over ±50% of the nominal interval.
	Jitter float64
}

// DefaultPolicy makes three attempts starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     500 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// Permanent marks err as not worth retrying, e.g. an HTTP 4xx response.
// Do returns the unwrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify is called before each wait with the error that caused it.
type Notify func(err error, wait time.Duration)

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	return DoNotify(ctx, p, fn, nil)
}

// DoNotify is Do with a callback invoked before every retry.
func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify Notify) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		return fn(ctx)
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), n)
	return attempts, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	b.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
