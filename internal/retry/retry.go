// Package retry runs an operation under a bounded attempt policy.
package retry

import (
	"context"
	"time"
)

// Policy describes how many attempts to make and how long to wait between them.
// Delays[i] is the pause after failed attempt i+1; the last entry is reused
// when there are fewer delays than gaps.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// Fixed waits the same delay between every attempt.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delays: []time.Duration{delay}}
}

// Backoff doubles the delay after each failed attempt.
func Backoff(attempts int, initial time.Duration) Policy {
	delays := make([]time.Duration, 0, attempts)
	d := initial
	for i := 1; i < attempts; i++ {
		delays = append(delays, d)
		d *= 2
	}
	return Policy{MaxAttempts: attempts, Delays: delays}
}

func (p Policy) delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt-1 < len(p.Delays) {
		return p.Delays[attempt-1]
	}
	return p.Delays[len(p.Delays)-1]
}

// Do calls fn until it succeeds, attempts run out or ctx ends. onRetry, when
// set, is told about every failed attempt that will be retried. The last
// error is returned on exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		wait := p.delay(attempt)
		if wait <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
