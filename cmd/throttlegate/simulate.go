package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
)

var simulateFlags struct {
	rate     float64
	capacity int
	burst    float64
	min      float64
	callers  int
	priority int
	duration time.Duration
	pause    time.Duration
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive one adaptive limiter with concurrent callers",
	Long: `Run concurrent callers against a single adaptive limiter for a while and
report how many requests were admitted per second.

Examples:
  # 20 callers for 3 seconds against a 10/s limiter
  throttlegate simulate --rate 10 --capacity 10 --callers 20 --duration 3s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := ratelimit.Config{
			Rate:            simulateFlags.rate,
			Capacity:        simulateFlags.capacity,
			BurstMultiplier: simulateFlags.burst,
			MinTokens:       simulateFlags.min,
		}
		res, err := simulate(cmd.Context(), cfg, simulateFlags.callers, simulateFlags.priority, simulateFlags.duration, simulateFlags.pause)
		if err != nil {
			return err
		}
		res.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.Float64Var(&simulateFlags.rate, "rate", 10, "tokens per second")
	f.IntVar(&simulateFlags.capacity, "capacity", 10, "bucket capacity")
	f.Float64Var(&simulateFlags.burst, "burst", 1.5, "burst multiplier")
	f.Float64Var(&simulateFlags.min, "min-tokens", 0, "reserve only priority can reach")
	f.IntVar(&simulateFlags.callers, "callers", 20, "concurrent callers")
	f.IntVar(&simulateFlags.priority, "priority", 0, "request priority")
	f.DurationVar(&simulateFlags.duration, "duration", 3*time.Second, "how long to run")
	f.DurationVar(&simulateFlags.pause, "pause", time.Millisecond, "pause between attempts per caller")
}

type simulation struct {
	elapsed time.Duration
	stats   ratelimit.Stats
}

func simulate(ctx context.Context, cfg ratelimit.Config, callers, priority int, d, pause time.Duration) (simulation, error) {
	if callers <= 0 {
		return simulation{}, fmt.Errorf("callers must be positive, got %d", callers)
	}
	lim, err := ratelimit.NewAdaptiveLimiter(cfg)
	if err != nil {
		return simulation{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				lim.AllowRequest(priority)
				if pause > 0 {
					time.Sleep(pause)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return simulation{}, err
	}
	return simulation{elapsed: time.Since(start), stats: lim.GetStats()}, nil
}

func (s simulation) allowedPerSecond() float64 {
	if s.elapsed <= 0 {
		return 0
	}
	return float64(s.stats.AllowedRequests) / s.elapsed.Seconds()
}

func (s simulation) print(out io.Writer) {
	c := s.stats.Config
	fmt.Fprintf(out, "config:      rate=%g/s capacity=%d burst=%g min_tokens=%g\n", c.Rate, c.Capacity, c.BurstCapacity(), c.MinTokens)
	fmt.Fprintf(out, "elapsed:     %s\n", s.elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "attempts:    %d\n", s.stats.TotalRequests)
	fmt.Fprintf(out, "allowed:     %d (%.1f/s)\n", s.stats.AllowedRequests, s.allowedPerSecond())
	fmt.Fprintf(out, "saturated:   %.1f/s expected once the burst is spent\n", ratelimit.DefaultTuning().SteadyStateRate(c.Rate))
	fmt.Fprintf(out, "denied:      %d\n", s.stats.DeniedRequests)
	fmt.Fprintf(out, "success:     %.2f%%\n", s.stats.SuccessRate*100)
}
