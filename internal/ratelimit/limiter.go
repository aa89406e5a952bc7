package ratelimit

import (
	"math"
	"time"
)

// Config is the per-limiter admission policy.
type Config struct {
	Rate            float64 // tokens per second
	Capacity        int     // steady-state bucket size
	BurstMultiplier float64 // expands Capacity for transient bursts
	MinTokens       float64 // reserved floor that normal traffic may not spend
}

// DefaultConfig returns 10 tokens/s, capacity 100 with a 1.5x burst.
func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Capacity:        100,
		BurstMultiplier: 1.5,
	}
}

// BurstCapacity is the real size of the bucket backing a limiter.
func (c Config) BurstCapacity() float64 {
	return float64(c.Capacity) * c.BurstMultiplier
}

// IsZero reports whether c is the zero value, which the pool reads as
// "use the default".
func (c Config) IsZero() bool {
	return c == Config{}
}

func (c Config) Validate() error {
	switch {
	case !(c.Rate > 0) || math.IsInf(c.Rate, 0):
		return &ConfigError{Field: "rate", Value: c.Rate, Reason: "must be a finite number > 0"}
	case c.Capacity < 1:
		return &ConfigError{Field: "capacity", Value: c.Capacity, Reason: "must be >= 1"}
	case !(c.BurstMultiplier >= 1) || math.IsInf(c.BurstMultiplier, 0):
		return &ConfigError{Field: "burst_multiplier", Value: c.BurstMultiplier, Reason: "must be a finite number >= 1"}
	case !(c.MinTokens >= 0):
		return &ConfigError{Field: "min_tokens", Value: c.MinTokens, Reason: "must be >= 0"}
	case c.MinTokens > c.BurstCapacity()-1:
		return &ConfigError{Field: "min_tokens", Value: c.MinTokens, Reason: "must leave at least one token above it in the burst capacity"}
	}
	return nil
}

// Tuning holds the constants of the adaptive control law. They are
// heuristics, not derived values, so they are configurable.
type Tuning struct {
	// Window is the trailing interval used to measure load.
	Window time.Duration
	// CostFactor scales the extra tokens charged per unit of load.
	CostFactor float64
	// PriorityStep is the fraction of Capacity granted per priority level.
	PriorityStep float64
	// MaxPriority caps caller-supplied priorities.
	MaxPriority int

	ModerateLoad  float64
	ModerateScale float64
	HighLoad      float64
	HighScale     float64
}

func DefaultTuning() Tuning {
	return Tuning{
		Window:        time.Second,
		CostFactor:    0.5,
		PriorityStep:  0.01,
		MaxPriority:   10,
		ModerateLoad:  0.6,
		ModerateScale: 0.7,
		HighLoad:      0.8,
		HighScale:     0.5,
	}
}

func (t Tuning) Validate() error {
	switch {
	case t.Window <= 0:
		return &ConfigError{Field: "tuning.window", Value: t.Window, Reason: "must be > 0"}
	case !(t.CostFactor >= 0):
		return &ConfigError{Field: "tuning.cost_factor", Value: t.CostFactor, Reason: "must be >= 0"}
	case !(t.PriorityStep >= 0):
		return &ConfigError{Field: "tuning.priority_step", Value: t.PriorityStep, Reason: "must be >= 0"}
	case t.MaxPriority < 0:
		return &ConfigError{Field: "tuning.max_priority", Value: t.MaxPriority, Reason: "must be >= 0"}
	case !(t.ModerateScale > 0 && t.ModerateScale <= 1):
		return &ConfigError{Field: "tuning.moderate_scale", Value: t.ModerateScale, Reason: "must be in (0, 1]"}
	case !(t.HighScale > 0 && t.HighScale <= 1):
		return &ConfigError{Field: "tuning.high_scale", Value: t.HighScale, Reason: "must be in (0, 1]"}
	case !(t.ModerateLoad >= 0):
		return &ConfigError{Field: "tuning.moderate_load", Value: t.ModerateLoad, Reason: "must be >= 0"}
	case !(t.HighLoad >= t.ModerateLoad):
		return &ConfigError{Field: "tuning.high_load", Value: t.HighLoad, Reason: "must be >= moderate_load"}
	case t.HighScale > t.ModerateScale:
		return &ConfigError{Field: "tuning.high_scale", Value: t.HighScale, Reason: "must be <= moderate_scale"}
	}
	return nil
}

// SteadyStateRate is the admission rate a saturated limiter settles at.
// Every admitted request costs 1 + CostFactor*r/rate tokens while the
// bucket refills at rate, so r solves r*(1 + CostFactor*r/rate) = rate.
// It assumes the load-scaled ceiling still leaves room for one request.
func (t Tuning) SteadyStateRate(rate float64) float64 {
	if t.CostFactor == 0 {
		return rate
	}
	return rate * (math.Sqrt(1+4*t.CostFactor) - 1) / (2 * t.CostFactor)
}

// scale returns the capacity multiplier for the observed load.
func (t Tuning) scale(usage float64) float64 {
	switch {
	case usage > t.HighLoad:
		return t.HighScale
	case usage > t.ModerateLoad:
		return t.ModerateScale
	}
	return 1
}

// Info describes a single admission decision.
type Info struct {
	TokensRemaining   float64
	UsageRate         float64 // observed load as a fraction of Config.Rate
	RetryAfter        float64 // seconds; zero when admitted
	Priority          int     // priority after clamping
	Cost              float64 // tokens charged (or that would have been)
	EffectiveCapacity float64 // ceiling used for this decision
}

// RetryAfterDuration rounds up to the next nanosecond so that waiting it
// out never lands just short of the hint.
func (i Info) RetryAfterDuration() time.Duration {
	return time.Duration(math.Ceil(i.RetryAfter * float64(time.Second)))
}

// Stats is a point-in-time snapshot of an AdaptiveLimiter.
type Stats struct {
	TotalRequests     uint64
	AllowedRequests   uint64
	DeniedRequests    uint64
	TokensRemaining   float64
	UsageRate         float64
	RequestsPerSecond float64
	SuccessRate       float64
	Uptime            time.Duration
	TotalLatency      time.Duration
	AvgLatency        time.Duration
	Config            Config
}
