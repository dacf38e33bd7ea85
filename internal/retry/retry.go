// Package retry runs an operation under a bounded attempt budget with a
// pluggable backoff schedule. The same Policy type drives every retry layer
// of an order: the fast path, the browser fallback and the unit as a whole.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Backoff returns how long to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Exponential doubles the wait after every failure, starting at base.
func Exponential(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// Constant waits d after every failure.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy bounds an operation to Attempts tries separated by Backoff waits.
type Policy struct {
	Name     string
	Attempts int
	Backoff  Backoff
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Func is one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) wait(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// Delays lists the waits a fully failing run goes through.
func (p Policy) Delays() []time.Duration {
	n := p.attempts() - 1
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, p.wait(i))
	}
	return out
}

// Do calls fn until it succeeds, returns a Permanent error, the attempt
// budget runs out or ctx is done. The last attempt's error is returned.
func (p Policy) Do(ctx context.Context, fn Func) error {
	attempt := 0
	var lastErr error

	b := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.attempts() {
			return 0, true
		}
		d := p.wait(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, lastErr)
		}
		return d, false
	})

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		return goretry.RetryableError(err)
	})
	if err != nil && lastErr != nil && errors.Is(err, lastErr) {
		return lastErr
	}
	return err
}

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
