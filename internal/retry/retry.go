// Package retry implements the bounded retry discipline used by the
// transport data plane and listener bring-up.
//
// A Policy answers a single question: should a failed attempt be followed by
// another, and after how long a sleep. Do runs a function under a policy and
// either returns its first success or surfaces the last failure. Errors
// wrapped with NonRetryable abort the loop immediately regardless of the
// policy's remaining budget.
package retry

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy decides whether attempt (0-based, counting failures so far) may be
// followed by another try, and how long to sleep before it.
type Policy interface {
	// Continue reports whether another attempt is allowed after `failures`
	// failed attempts.
	Continue(failures int) bool

	// Backoff returns the sleep applied between attempts.
	Backoff() time.Duration
}

// Counting allows up to N attempts in total (the first try plus N-1 retries)
// with no sleep between attempts.
type Counting struct {
	MaxRetries int
}

// NewCounting returns a Counting policy with the given retry budget.
func NewCounting(maxRetries int) Counting {
	return Counting{MaxRetries: maxRetries}
}

func (c Counting) Continue(failures int) bool { return failures < c.MaxRetries }

func (c Counting) Backoff() time.Duration { return 0 }

// CountingAndSleep allows up to N attempts in total (the first try plus N-1
// retries), sleeping a fixed duration between attempts.
type CountingAndSleep struct {
	MaxRetries int
	Sleep      time.Duration
}

// NewCountingAndSleep returns a CountingAndSleep policy.
func NewCountingAndSleep(maxRetries int, sleep time.Duration) CountingAndSleep {
	return CountingAndSleep{MaxRetries: maxRetries, Sleep: sleep}
}

func (c CountingAndSleep) Continue(failures int) bool { return failures < c.MaxRetries }

func (c CountingAndSleep) Backoff() time.Duration { return c.Sleep }

// nonRetryableError marks an error that must never be retried. It is
// constructed with NonRetryable and detected with IsNonRetryable.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so that Do surfaces it immediately without consuming
// the retry budget. A nil err returns nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked with
// NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// Do invokes fn until it succeeds, the policy's budget is exhausted, or fn
// returns a non-retryable error. The name labels attempt logs. The returned
// error is the last failure observed, as fn returned it; a non-retryable
// error keeps its marker, so IsNonRetryable still reports true for it.
func Do(name string, fn func() error, policy Policy) error {
	failures := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if IsNonRetryable(err) {
			log.Error().Str("op", name).Err(err).Msg("non-retryable error, aborting retries")
			return err
		}

		failures++
		if !policy.Continue(failures) {
			log.Error().
				Str("op", name).
				Int("attempts", failures).
				Err(err).
				Msg("retries exhausted")
			return err
		}

		log.Warn().
			Str("op", name).
			Int("attempt", failures).
			Err(err).
			Msg("attempt failed, retrying")
		if d := policy.Backoff(); d > 0 {
			time.Sleep(d)
		}
	}
}
