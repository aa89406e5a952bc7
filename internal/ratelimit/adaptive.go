package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Option configures an AdaptiveLimiter.
type Option func(*limiterOptions)

type limiterOptions struct {
	clock  Clock
	tuning Tuning
}

func WithClock(c Clock) Option {
	return func(o *limiterOptions) { o.clock = c }
}

func WithTuning(t Tuning) Option {
	return func(o *limiterOptions) { o.tuning = t }
}

// AdaptiveLimiter couples a TokenBucket with a SlidingWindow load sensor.
//
// Each admitted request is recorded in the window. The observed load,
// measured as a fraction of the configured rate, raises the token cost of
// the next request and lowers the capacity ceiling it may draw from, so
// sustained overload drains the bucket faster than the nominal rate and
// admission converges back toward Config.Rate. A caller-supplied priority
// raises the ceiling and lowers the reserved floor for that call only.
//
// All methods are safe for concurrent use; a decision, a Reset and a
// Reconfigure never interleave.
type AdaptiveLimiter struct {
	mu     sync.Mutex
	clock  Clock
	tuning Tuning
	cfg    Config
	bucket *TokenBucket
	window *SlidingWindow

	total, allowed, denied uint64
	latency                time.Duration
	latencyCount           uint64
	start                  time.Time
}

// NewAdaptiveLimiter validates cfg and the tuning and builds a limiter with
// a full bucket of cfg.BurstCapacity() tokens.
func NewAdaptiveLimiter(cfg Config, opts ...Option) (*AdaptiveLimiter, error) {
	o := limiterOptions{tuning: DefaultTuning()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.tuning.Validate(); err != nil {
		return nil, err
	}

	l := &AdaptiveLimiter{
		clock:  orSystem(o.clock),
		tuning: o.tuning,
	}
	if err := l.rebuild(cfg); err != nil {
		return nil, err
	}
	l.start = l.clock.Now()
	return l, nil
}

// rebuild swaps in a bucket and window for cfg. Caller must hold l.mu or
// own l exclusively.
func (l *AdaptiveLimiter) rebuild(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	bucket, err := NewTokenBucket(cfg.Rate, cfg.BurstCapacity(), l.clock)
	if err != nil {
		return err
	}
	window, err := NewSlidingWindow(l.tuning.Window, l.clock)
	if err != nil {
		return err
	}
	l.cfg, l.bucket, l.window = cfg, bucket, window
	return nil
}

// AllowRequest makes one admission decision. Denial is a normal outcome,
// not an error; Info.RetryAfter carries the hint.
func (l *AdaptiveLimiter) AllowRequest(priority int) (bool, Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++

	if priority < 0 {
		priority = 0
	}
	if priority > l.tuning.MaxPriority {
		priority = l.tuning.MaxPriority
	}

	usage := l.window.UsageRate() / l.cfg.Rate
	bonus := float64(priority) * float64(l.cfg.Capacity) * l.tuning.PriorityStep
	ceiling := (l.cfg.BurstCapacity() + bonus) * l.tuning.scale(usage)
	floor := math.Max(0, l.cfg.MinTokens-bonus)
	cost := 1 + usage*l.tuning.CostFactor

	ok, tokens := l.bucket.consumeWithin(cost, ceiling, floor)
	info := Info{
		TokensRemaining:   tokens,
		UsageRate:         usage,
		Priority:          priority,
		Cost:              cost,
		EffectiveCapacity: ceiling,
	}
	if ok {
		l.allowed++
		l.window.Record()
		return true, info
	}

	l.denied++
	if cost+floor > math.Min(l.bucket.Capacity(), ceiling) {
		// no amount of refill covers the request at this load; the load has
		// to decay first
		info.RetryAfter = l.window.ResetIn().Seconds()
	} else {
		info.RetryAfter = (cost + floor - tokens) / l.cfg.Rate
	}
	return false, info
}

// ObserveLatency adds d to the cumulative response time.
func (l *AdaptiveLimiter) ObserveLatency(d time.Duration) {
	if d < 0 {
		return
	}
	l.mu.Lock()
	l.latency += d
	l.latencyCount++
	l.mu.Unlock()
}

func (l *AdaptiveLimiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	uptime := l.clock.Now().Sub(l.start)
	s := Stats{
		TotalRequests:   l.total,
		AllowedRequests: l.allowed,
		DeniedRequests:  l.denied,
		TokensRemaining: l.bucket.Tokens(),
		UsageRate:       l.window.UsageRate() / l.cfg.Rate,
		Uptime:          uptime,
		TotalLatency:    l.latency,
		Config:          l.cfg,
	}
	if secs := uptime.Seconds(); secs > 0 {
		s.RequestsPerSecond = float64(l.total) / secs
	}
	if l.total > 0 {
		s.SuccessRate = float64(l.allowed) / float64(l.total)
	}
	if l.latencyCount > 0 {
		s.AvgLatency = l.latency / time.Duration(l.latencyCount)
	}
	return s
}

// Reset refills the bucket, clears the window and zeroes the statistics
// as one step.
func (l *AdaptiveLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket.Reset()
	l.window.Reset()
	l.total, l.allowed, l.denied = 0, 0, 0
	l.latency, l.latencyCount = 0, 0
	l.start = l.clock.Now()
}

// Reconfigure applies cfg to a live limiter. The current token count is
// carried over, clamped to the new capacity; statistics are kept.
func (l *AdaptiveLimiter) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tokens, window := l.bucket.Tokens(), l.window
	if err := l.rebuild(cfg); err != nil {
		return err
	}
	l.bucket.setTokens(tokens)
	l.window = window
	return nil
}

func (l *AdaptiveLimiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}
