package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// maxJitter keeps successive doubled delays non-decreasing: 2(1-j) >= 1+j.
const maxJitter = 1.0 / 3

// Policy is an exponential backoff schedule. It does no I/O.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{Base: 150 * time.Millisecond, Max: 7 * time.Second, Jitter: 0.2}
}

func (p Policy) normalize() Policy {
	if p.Base <= 0 {
		p.Base = DefaultPolicy().Base
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	p.Jitter = min(max(p.Jitter, 0), maxJitter)
	return p
}

// Delay is the jitter-free wait before retry n (0-based): Base doubled n times, capped at Max.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalize()
	d := p.Base
	for range max(n, 0) {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	return min(d, p.Max)
}

// Jittered spreads Delay(n) by up to ±Jitter using u in [0,1). Once the
// schedule reaches the cap the cap is returned as is.
func (p Policy) Jittered(n int, u float64) time.Duration {
	p = p.normalize()
	d := p.Delay(n)
	if d >= p.Max {
		return p.Max
	}
	spread := float64(d) * p.Jitter * (2*u - 1)
	return min(time.Duration(float64(d)+spread), p.Max)
}

type SleepFunc func(ctx context.Context, d time.Duration) error

// ClockSleep waits on clk, returning early with the context error.
func ClockSleep(clk clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := clk.Timer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// Retry calls op until it succeeds, returns an error retryable rejects, or
// maxRetries retries have been spent. backoff gives the wait before retry n
// (1-based). Exhaustion wraps both ErrRetriesExhausted and the last error.
func Retry(
	ctx context.Context,
	maxRetries int,
	sleep SleepFunc,
	backoff func(retry int) time.Duration,
	retryable func(error) bool,
	op func(ctx context.Context) error,
) error {
	for retry := 0; ; retry++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if retry >= maxRetries {
			return fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, retry, err)
		}
		if err := sleep(ctx, backoff(retry+1)); err != nil {
			return err
		}
	}
}
