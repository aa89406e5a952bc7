package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/throttlegate/internal/auth"
	"github.com/AlexKimmel/throttlegate/internal/config"
	"github.com/AlexKimmel/throttlegate/internal/gateway"
	"github.com/AlexKimmel/throttlegate/internal/obs"
	"github.com/AlexKimmel/throttlegate/internal/proxy"
	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
	"github.com/AlexKimmel/throttlegate/internal/routing"
)

type server struct {
	cfg      atomic.Pointer[config.Root]
	logger   zerolog.Logger
	pool     *ratelimit.Pool
	metrics  *obs.Metrics
	exporter *obs.StatsExporter
	handler  http.Handler
}

func newServer(cfg *config.Root, logger zerolog.Logger, reg *prometheus.Registry) (*server, error) {
	s := &server{logger: logger}
	s.cfg.Store(cfg)

	pool, err := ratelimit.NewPool(
		cfg.Limits.Default.Config(),
		ratelimit.WithLimiterOptions(ratelimit.WithTuning(cfg.Limits.TuningConfig())),
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create limiter pool: %w", err)
	}
	s.pool = pool

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = obs.NewMetrics(reg)

	s.exporter, err = obs.NewStatsExporter(pool, s.metrics, cfg.Observability.StatsSchedule, logger)
	if err != nil {
		return nil, err
	}

	rr, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	skip := map[string]struct{}{"/health": {}, "/version": {}}
	skip[cfg.Observability.PrometheusPath] = struct{}{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(Version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", proxy.New(proxy.NewHTTPTransport(), logger))

	s.handler = gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		auth.FromConfig(cfg.Auth).Middleware(skip),
		gateway.RouteMatcher(rr, skip, logger),
		s.metrics.Middleware(skip),
		gateway.RateLimit(s.pool, s.policy, skip, s.metrics.OnDecision, s.metrics.OnLimiterError),
	)
	return s, nil
}

// policy resolves limits against the most recently loaded config.
func (s *server) policy(routeID, keyID string) ratelimit.Config {
	return s.cfg.Load().PolicyFor(routeID, keyID)
}

// applyConfig swaps in a reloaded config and retunes every live limiter.
// Routes, keys and tuning are fixed at startup.
func (s *server) applyConfig(cfg *config.Root) {
	s.cfg.Store(cfg)
	for _, key := range s.pool.Keys() {
		i := strings.LastIndexByte(key, ':')
		if i < 0 {
			continue
		}
		keyID, routeID := key[:i], key[i+1:]
		if err := s.pool.Reconfigure(key, cfg.PolicyFor(routeID, keyID)); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("limiter reconfigure failed")
		}
	}
}

// run serves until ctx is done, then shuts down gracefully. A non-empty
// watchPath enables config hot reload.
func (s *server) run(ctx context.Context, watchPath string) error {
	cfg := s.cfg.Load()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error { return s.exporter.Run(ctx) })

	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, 200*time.Millisecond, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			g.Go(func() error { return w.Watch(ctx, s.applyConfig) })
		}
	}

	err := g.Wait()
	s.logger.Info().Msg("bye")
	return err
}
