package crawler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// DomainLimiter spaces requests to the same host by a fixed delay plus random jitter and an
// optional token bucket. It paces both results pages and article fetches.
type DomainLimiter struct {
	delay       time.Duration
	jitter      time.Duration
	rate        RateLimiterSettings
	rateEnabled bool

	mu       sync.Mutex
	last     map[string]time.Time
	gaps     map[string]time.Duration
	limiters map[string]*rate.Limiter
	rand     *rand.Rand
}

// NewDomainLimiter creates a limiter. The gap after each request to a host is drawn once from
// [delay, delay+jitter).
func NewDomainLimiter(delay, jitter time.Duration, rateCfg RateLimiterSettings) *DomainLimiter {
	limiter := &DomainLimiter{
		delay:    delay,
		jitter:   jitter,
		last:     make(map[string]time.Time),
		gaps:     make(map[string]time.Duration),
		limiters: make(map[string]*rate.Limiter),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		limiter.rateEnabled = true
		limiter.rate = rateCfg
	}
	return limiter
}

// Wait blocks until politeness constraints for the host are satisfied. The first request to a
// host never waits on the delay.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	if d == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)
	if d.delay <= 0 && d.jitter <= 0 && !d.rateEnabled {
		return nil
	}

	var limiter *rate.Limiter

	// Reserve the slot under the lock; concurrent callers for one host queue behind each other.
	d.mu.Lock()
	now := time.Now()
	next := now
	if last, ok := d.last[host]; ok {
		if slot := last.Add(d.gaps[host]); slot.After(next) {
			next = slot
		}
	}
	d.last[host] = next
	d.gaps[host] = d.nextGapLocked()
	if d.rateEnabled {
		limiter = d.ensureLimiterLocked(host)
	}
	d.mu.Unlock()

	if sleep := next.Sub(now); sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (d *DomainLimiter) nextGapLocked() time.Duration {
	gap := d.delay
	if d.jitter > 0 {
		gap += time.Duration(d.rand.Int63n(int64(d.jitter)))
	}
	return gap
}

func (d *DomainLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := d.limiters[host]
	if ok {
		return limiter
	}
	interval := d.rate.Window / time.Duration(d.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), d.rate.Requests)
	d.limiters[host] = limiter
	return limiter
}
