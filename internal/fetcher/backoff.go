package fetcher

import (
	"context"
	"math/rand"
	"time"
)

// Backoff returns the wait before the next attempt. attempt is 1-based and names the attempt that
// just failed.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// BackoffFunc adapts a function to Backoff.
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// LinearBackoff grows by Step per attempt on top of Base, plus up to Jitter of random slack.
type LinearBackoff struct {
	Base   time.Duration
	Step   time.Duration
	Jitter time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base + time.Duration(attempt)*b.Step
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	if d < 0 {
		return 0
	}
	return d
}

// ConstantBackoff always waits the same duration.
type ConstantBackoff time.Duration

func (b ConstantBackoff) Delay(int) time.Duration { return time.Duration(b) }

// NoBackoff never waits.
var NoBackoff Backoff = ConstantBackoff(0)

// DefaultRateLimitBackoff waits long after 429/403 responses: 80s, then 20s more per attempt.
func DefaultRateLimitBackoff() Backoff {
	return LinearBackoff{Base: 80 * time.Second, Step: 20 * time.Second, Jitter: 70 * time.Second}
}

// DefaultErrorBackoff waits briefly after transient failures.
func DefaultErrorBackoff() Backoff {
	return LinearBackoff{Base: 5 * time.Second, Step: 5 * time.Second, Jitter: 2 * time.Second}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})
