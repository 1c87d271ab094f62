package workflow

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter for resource-tagged steps.
// It refills at a fixed rate up to a burst capacity and is safe for
// concurrent acquirers.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket returns a limiter admitting rate calls per second with
// the given burst capacity. The bucket starts full.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is done, then consumes
// one token. Waiters poll roughly every 1/rate.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastRefill).Seconds()
		tb.tokens = min(tb.burst, tb.tokens+elapsed*tb.rate)
		tb.lastRefill = now
		if tb.tokens >= 1.0 {
			tb.tokens -= 1.0
			tb.mu.Unlock()
			return nil
		}
		tb.mu.Unlock()

		wait := time.Duration(float64(time.Second) / tb.rate)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
