// Package retry re-runs outbound provider calls with capped exponential
// backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type afterError struct {
	err   error
	delay time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After asks for the next attempt no sooner than d, typically the value of
// a provider's Retry-After header.
func After(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, delay: d}
}

// Policy is the retry configuration for one outbound dependency.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single wait, including one requested through After.
	// Zero means 10s.
	MaxDelay time.Duration
}

// DefaultPolicy suits provider API calls: three attempts, 250ms then 500ms.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do calls fn until it succeeds, returns a Permanent error, runs out of
// attempts, or ctx ends. The returned error is fn's last error with any
// Permanent or After marker removed.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		wait := jitter(delay)
		var ae *afterError
		if errors.As(err, &ae) {
			err, wait = ae.err, ae.delay
		}
		if attempt >= attempts {
			return err
		}

		t := time.NewTimer(min(wait, maxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
