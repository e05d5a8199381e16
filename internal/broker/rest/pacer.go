// pacer.go throttles outbound Client Portal requests.
//
// The broker throttles each session at roughly ten requests per second and
// serves HTTP 429 with a penalty window once tripped. A report for several
// accounts bursts a dozen reads in quick succession, so every request takes
// a token from a continuously refilling bucket instead of racing the limit.
package rest

import (
	"context"
	"sync"
	"time"
)

const (
	requestBurst      = 10 // published per-session ceiling
	requestsPerSecond = 5  // sustained rate, half the ceiling
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
