// Package ratelimit throttles outbound requests across goroutines.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter is a best-effort sliding window rate limiter.
//
// Usage of the previous window is weighted by the share of it
// still covered by the sliding window.
// https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
type Limiter struct {
	Rate   float64 // requests per second
	Window int64   // seconds

	epoch    int64
	previous int64
	current  int64

	now func() time.Time
}

// New creates a limiter allowing rate requests per second averaged over window.
func New(rate float64, window time.Duration) *Limiter {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Limiter{Rate: rate, Window: secs, now: time.Now}
}

// Delay records n requests at the given Unix second
// and returns how long the caller should back off.
func (l *Limiter) Delay(unix int64, n int64) time.Duration {
	epoch := unix / l.Window
	var prev, cur int64
	shifted := false
	for {
		saved := atomic.LoadInt64(&l.epoch)
		if saved >= epoch {
			break
		}
		shifted = true
		if !atomic.CompareAndSwapInt64(&l.epoch, saved, epoch) {
			continue
		}
		if saved+1 == epoch {
			cur = n
			prev = atomic.SwapInt64(&l.current, cur)
			atomic.StoreInt64(&l.previous, prev)
		} else {
			atomic.StoreInt64(&l.previous, 0)
			atomic.StoreInt64(&l.current, n)
			cur = n
		}
	}
	if !shifted {
		cur = atomic.AddInt64(&l.current, n)
		prev = atomic.LoadInt64(&l.previous)
	}
	window := float64(l.Window)
	weight := 1.0 - float64(unix%l.Window)/window
	rate := (weight*float64(prev) + float64(cur)) / window
	if rate <= l.Rate {
		return 0
	}
	return time.Duration(window * (rate - l.Rate) * float64(time.Second))
}

// Wait records one request and sleeps until it fits the rate.
// A nil or non-positive limiter never blocks.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.Rate <= 0 {
		return nil
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	delay := l.Delay(now().Unix(), 1)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
