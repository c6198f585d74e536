package queue

import (
	"math"
	"sync"
	"time"
)

// tokenBucket implements the admission rate limiter: continuous refill,
// discrete-unit take. A take succeeds iff at least one whole token is
// available after refill.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// newTokenBucket creates a full bucket with the given capacity and refill rate.
func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refillLocked credits tokens for the elapsed time. Caller holds mu.
func (tb *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
}

// tryTake attempts to consume one token. It returns true on success, or
// false plus the wait until the next whole token becomes available.
func (tb *tokenBucket) tryTake() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())

	if math.Floor(tb.tokens) >= 1 {
		tb.tokens -= 1.0
		return true, 0
	}

	deficit := 1.0 - tb.tokens
	wait := time.Duration(deficit / tb.refillRate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// remaining returns the current token count after refill.
func (tb *tokenBucket) remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}
