// Package retry implements the retriable idempotent operation shared by the
// backend orchestrator and the outbound sender. Callers attach the same
// idempotency or correlation key to every attempt so at-least-once execution
// collapses to at-most-once effect downstream.
package retry

import (
	"context"
	"errors"
	"time"
)

// Retriable is implemented by errors that may succeed on a later attempt.
type Retriable interface {
	Retriable() bool
}

// IsRetriable reports whether err is worth retrying. Context cancellation is
// never retriable; deadline overruns on a single attempt are.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r Retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

// Policy bounds retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the orchestrator defaults: three attempts with
// exponential backoff starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Delay returns the backoff before attempt n (0-based): base << n, capped.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	delay := p.BaseDelay << attempt
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, fails terminally, exhausts attempts, or ctx
// is done. The last error is returned on failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.normalize()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
