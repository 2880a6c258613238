// Package pacer spaces out calls to a rate-limited upstream.
package pacer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer blocks until the next upstream call is allowed.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Clock abstracts time so pacing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Limiter is a fixed-delay pacer: a token bucket refilled once per delay with a burst of one.
type Limiter struct {
	limiter *rate.Limiter
	clock   Clock
}

// New builds a pacer allowing one call per delay. A non-positive delay disables pacing.
func New(delay time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1), clock: clock}
}

// Wait reserves the next slot and sleeps until it opens. The first call never waits.
func (l *Limiter) Wait(ctx context.Context) error {
	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Nop never waits.
type Nop struct{}

// Wait returns immediately unless ctx is already done.
func (Nop) Wait(ctx context.Context) error { return ctx.Err() }

var (
	_ Pacer = (*Limiter)(nil)
	_ Pacer = Nop{}
)
