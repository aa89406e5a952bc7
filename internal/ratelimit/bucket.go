package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket is a continuous-refill admission counter.
//
// Tokens accrue at rate per second up to capacity. A consume either takes
// the requested amount atomically or leaves the count untouched. Waiting
// consumers sleep without holding the lock, so one blocked caller never
// stalls the others; there is no FIFO ordering between waiters.
type TokenBucket struct {
	mu         sync.Mutex
	clock      Clock
	rate       float64
	capacity   float64
	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket returns a full bucket. A nil clock means SystemClock.
func NewTokenBucket(rate, capacity float64, clock Clock) (*TokenBucket, error) {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return nil, &ConfigError{Field: "rate", Value: rate, Reason: "must be a finite number > 0"}
	}
	if !(capacity >= 1) || math.IsInf(capacity, 0) {
		return nil, &ConfigError{Field: "capacity", Value: capacity, Reason: "must be a finite number >= 1"}
	}
	clock = orSystem(clock)
	return &TokenBucket{
		clock:      clock,
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastUpdate: clock.Now(),
	}, nil
}

func (tb *TokenBucket) Rate() float64     { return tb.rate }
func (tb *TokenBucket) Capacity() float64 { return tb.capacity }

// Consume takes n tokens.
//
// With block=false it never waits: it reports whether the tokens were taken.
// With block=true it waits until the tokens are available or ctx is done,
// and fails fast with ErrExceedsCapacity if n can never fit.
func (tb *TokenBucket) Consume(ctx context.Context, n float64, block bool) (bool, error) {
	if !(n > 0) {
		return false, ErrInvalidTokens
	}
	if !block {
		return tb.TryConsume(n), nil
	}
	if n > tb.capacity {
		return false, ErrExceedsCapacity
	}

	for {
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return true, nil
		}
		wait := tb.waitLocked(n)
		tb.mu.Unlock()

		if err := tb.clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// TryConsume is the non-blocking form of Consume.
func (tb *TokenBucket) TryConsume(n float64) bool {
	if !(n > 0) {
		return false
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Wait blocks until n tokens have been taken or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	_, err := tb.Consume(ctx, n, true)
	return err
}

// Tokens refills and reports the current count without consuming.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// TimeUntilAvailable returns how long until n tokens could be taken,
// assuming no other consumer. Zero if they are available now.
func (tb *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= n {
		return 0
	}
	return tb.waitLocked(n)
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = tb.capacity
	tb.lastUpdate = tb.clock.Now()
}

// consumeWithin takes n tokens if min(tokens, ceiling) - floor covers them.
// It returns the token count after the attempt.
func (tb *TokenBucket) consumeWithin(n, ceiling, floor float64) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if math.Min(tb.tokens, ceiling)-floor >= n {
		tb.tokens -= n
		return true, tb.tokens
	}
	return false, tb.tokens
}

// setTokens overwrites the count, clamped into [0, capacity].
func (tb *TokenBucket) setTokens(n float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = math.Max(0, math.Min(n, tb.capacity))
	tb.lastUpdate = tb.clock.Now()
}

// refillLocked adds tokens for the time elapsed since the last update.
// Caller must hold tb.mu.
func (tb *TokenBucket) refillLocked() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastUpdate).Seconds()
	if elapsed <= 0 {
		// never refill negatively, and never move lastUpdate backwards
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastUpdate = now
}

// waitLocked converts a token deficit into a duration. Caller must hold tb.mu.
func (tb *TokenBucket) waitLocked(n float64) time.Duration {
	secs := (n - tb.tokens) / tb.rate
	d := time.Duration(math.Ceil(secs * float64(time.Second)))
	if d < time.Nanosecond {
		d = time.Nanosecond
	}
	return d
}
