// Package retry implements the backoff/retry policy applied per step and
// the attempt loop that drives it.
package retry

import (
	"context"
	"time"

	"github.com/flowtest/flowtest/pkg/errs"
)

// MaxDelay caps the exponential backoff delay.
const MaxDelay = 30 * time.Second

// Action is the outcome of a retry decision.
type Action int

const (
	ActionFail Action = iota
	ActionRetry
)

// Decision tells the caller loop whether to retry and after which delay.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Options bound the attempt loop.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// Policy is a pure decision function over an error and the attempt count.
// All retry state lives in the caller loop.
type Policy struct{}

// NewPolicy creates the retry policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// Decide returns the decision for the given error after the given 1-based
// attempt. Only transient network, database and generic flow failures are
// retryable; the decision is fail once attempt reaches MaxAttempts
// regardless of kind.
func (p *Policy) Decide(err error, attempt int, opts Options) Decision {
	if err == nil || attempt >= opts.MaxAttempts {
		return Decision{Action: ActionFail}
	}

	if !errs.Retryable(err) {
		return Decision{Action: ActionFail}
	}

	return Decision{Action: ActionRetry, Delay: Backoff(opts.InitialDelay, attempt)}
}

// Backoff computes the exponential delay before the attempt following the
// given 1-based attempt: initial * 2^(attempt-1), capped at MaxDelay.
func Backoff(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}

	if delay > MaxDelay {
		return MaxDelay
	}

	return delay
}

// Do drives fn through the policy until it succeeds, the policy decides to
// fail, or the context ends. On failure the caller receives a single
// aggregated ExhaustedError carrying the attempt count and the last
// underlying error. The returned attempt count includes the final attempt.
func Do(ctx context.Context, policy *Policy, opts Options, fn func(ctx context.Context) error) (int, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, &errs.ExhaustedError{Attempts: attempt - 1, Err: err}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		decision := policy.Decide(lastErr, attempt, opts)
		if decision.Action == ActionFail {
			return attempt, &errs.ExhaustedError{Attempts: attempt, Err: lastErr}
		}

		if decision.Delay > 0 {
			timer := time.NewTimer(decision.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()

				return attempt, &errs.ExhaustedError{Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}

	return opts.MaxAttempts, &errs.ExhaustedError{Attempts: opts.MaxAttempts, Err: lastErr}
}
