package obs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
)

// StatsSource is satisfied by *ratelimit.Pool.
type StatsSource interface {
	AllStats() map[string]ratelimit.Stats
}

// StatsExporter periodically copies every limiter's stats into the
// per-limiter gauges and logs a one-line summary.
type StatsExporter struct {
	src      StatsSource
	metrics  *Metrics
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewStatsExporter validates schedule (standard cron syntax or a descriptor
// such as "@every 30s").
func NewStatsExporter(src StatsSource, m *Metrics, schedule string, logger zerolog.Logger) (*StatsExporter, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	return &StatsExporter{
		src:      src,
		metrics:  m,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "stats.exporter").Logger(),
		seen:     make(map[string]struct{}),
	}, nil
}

// Run exports on schedule until ctx is done, then waits for a running
// export to finish.
func (e *StatsExporter) Run(ctx context.Context) error {
	if _, err := e.cron.AddFunc(e.schedule, e.Export); err != nil {
		return fmt.Errorf("schedule stats export: %w", err)
	}
	e.cron.Start()
	e.logger.Info().Str("schedule", e.schedule).Msg("stats exporter started")

	<-ctx.Done()
	<-e.cron.Stop().Done()
	e.logger.Info().Msg("stats exporter stopped")
	return nil
}

// Export takes one snapshot. Gauges of limiters that left the pool are
// removed.
func (e *StatsExporter) Export() {
	stats := e.src.AllStats()

	e.mu.Lock()
	defer e.mu.Unlock()

	var total, allowed, denied uint64
	for key, st := range stats {
		e.metrics.setLimiter(key, st)
		total += st.TotalRequests
		allowed += st.AllowedRequests
		denied += st.DeniedRequests
	}
	for key := range e.seen {
		if _, ok := stats[key]; !ok {
			e.metrics.deleteLimiter(key)
			delete(e.seen, key)
		}
	}
	for key := range stats {
		e.seen[key] = struct{}{}
	}
	e.metrics.Limiters.Set(float64(len(stats)))

	e.logger.Info().
		Int("limiters", len(stats)).
		Uint64("total_requests", total).
		Uint64("allowed_requests", allowed).
		Uint64("denied_requests", denied).
		Msg("limiter stats")
}
