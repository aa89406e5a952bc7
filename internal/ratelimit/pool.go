package ratelimit

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultOperation is used by Pool.Allow when no operation is given.
const DefaultOperation = "default"

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLimiterOptions applies opts to every limiter the pool creates.
func WithLimiterOptions(opts ...Option) PoolOption {
	return func(p *Pool) { p.limiterOpts = append(p.limiterOpts, opts...) }
}

func WithLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// Pool hands out one AdaptiveLimiter per key, creating it on first use.
//
// The pool lock covers only lookup and insertion; admission decisions run
// under each limiter's own lock, so a busy key does not slow lookups for
// other keys. Returned limiters are shared: callers must use the pointer,
// never a copy.
type Pool struct {
	mu          sync.RWMutex
	limiters    map[string]*AdaptiveLimiter
	defaults    Config
	limiterOpts []Option
	logger      zerolog.Logger
}

// NewPool validates defaultConfig and returns an empty pool.
func NewPool(defaultConfig Config, opts ...PoolOption) (*Pool, error) {
	if err := defaultConfig.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		limiters: make(map[string]*AdaptiveLimiter),
		defaults: defaultConfig,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) DefaultConfig() Config { return p.defaults }

// GetOrCreate returns the limiter for key, creating it with cfg (or the
// pool default when cfg is zero) if it does not exist yet. The config of an
// existing limiter is left alone; use Reconfigure to change it.
func (p *Pool) GetOrCreate(key string, cfg Config) (*AdaptiveLimiter, error) {
	p.mu.RLock()
	l, ok := p.limiters[key]
	p.mu.RUnlock()
	if ok {
		return l, nil
	}

	if cfg.IsZero() {
		cfg = p.defaults
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[key]; ok {
		return l, nil
	}
	l, err := NewAdaptiveLimiter(cfg, p.limiterOpts...)
	if err != nil {
		return nil, err
	}
	p.limiters[key] = l
	p.logger.Debug().
		Str("key", key).
		Float64("rate", cfg.Rate).
		Int("capacity", cfg.Capacity).
		Float64("burst_capacity", cfg.BurstCapacity()).
		Msg("limiter created")
	return l, nil
}

// Allow admits or denies one request for "{key}:{operation}".
func (p *Pool) Allow(key, operation string, priority int, cfg Config) (bool, Info, error) {
	l, err := p.GetOrCreate(Key(key, operation), cfg)
	if err != nil {
		return false, Info{}, err
	}
	ok, info := l.AllowRequest(priority)
	return ok, info, nil
}

// Reconfigure applies cfg to the limiter for key, creating it if needed.
func (p *Pool) Reconfigure(key string, cfg Config) error {
	if cfg.IsZero() {
		cfg = p.defaults
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// a concurrent GetOrCreate may win the insert with another config, so
	// the returned limiter is checked like an existing one
	l, err := p.GetOrCreate(key, cfg)
	if err != nil {
		return err
	}
	if l.Config() == cfg {
		return nil
	}
	if err := l.Reconfigure(cfg); err != nil {
		return err
	}
	p.logger.Info().
		Str("key", key).
		Float64("rate", cfg.Rate).
		Int("capacity", cfg.Capacity).
		Float64("burst_multiplier", cfg.BurstMultiplier).
		Msg("limiter reconfigured")
	return nil
}

func (p *Pool) Lookup(key string) (*AdaptiveLimiter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.limiters[key]
	return l, ok
}

// Remove drops the limiter for key. Holders of the old pointer keep a
// working but detached limiter.
func (p *Pool) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.limiters[key]
	delete(p.limiters, key)
	return ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}

// Keys returns the registered keys in sorted order.
func (p *Pool) Keys() []string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.limiters))
	for k := range p.limiters {
		keys = append(keys, k)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (p *Pool) ResetAll() {
	for _, l := range p.snapshot("") {
		l.limiter.Reset()
	}
}

func (p *Pool) StatsFor(key string) (Stats, bool) {
	l, ok := p.Lookup(key)
	if !ok {
		return Stats{}, false
	}
	return l.GetStats(), true
}

// StatsByClient returns the stats of every "{clientID}:*" limiter.
func (p *Pool) StatsByClient(clientID string) map[string]Stats {
	return p.collect(clientID + ":")
}

func (p *Pool) AllStats() map[string]Stats {
	return p.collect("")
}

func (p *Pool) collect(prefix string) map[string]Stats {
	entries := p.snapshot(prefix)
	out := make(map[string]Stats, len(entries))
	for _, e := range entries {
		out[e.key] = e.limiter.GetStats()
	}
	return out
}

type poolEntry struct {
	key     string
	limiter *AdaptiveLimiter
}

// snapshot copies matching entries so limiter locks are taken after the
// pool lock is released.
func (p *Pool) snapshot(prefix string) []poolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]poolEntry, 0, len(p.limiters))
	for k, l := range p.limiters {
		if strings.HasPrefix(k, prefix) {
			out = append(out, poolEntry{key: k, limiter: l})
		}
	}
	return out
}

// Key builds the composite pool key "{key}:{operation}".
func Key(key, operation string) string {
	if operation == "" {
		operation = DefaultOperation
	}
	return key + ":" + operation
}
