package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
)

const sample = `
server:
  addr: ":9090"
observability:
  log_level: debug
auth:
  keys:
    - id: alice
      secret: s3cret
      priority: 5
    - id: bob
      secret: hunter2
limits:
  default:
    rate: 10
    capacity: 20
    burst_multiplier: 1.5
  tuning:
    window_ms: 2000
    cost_factor: 0.25
routes:
  - id: search
    match:
      path_prefix: /search
      methods: [GET]
    upstream:
      url: http://localhost:9001
    limits:
      rate: 5
      capacity: 5
    overrides:
      alice:
        rate: 50
        capacity: 100
        burst_multiplier: 2
  - id: orders
    match:
      path_prefix: /orders
      methods: [GET, POST]
    upstream:
      url: http://localhost:9002
      timeout_ms: 500
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`routes: []`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "@every 30s", cfg.Observability.StatsSchedule)
	assert.Equal(t, "X-API-Key", cfg.Auth.Header)
	assert.Equal(t, ratelimit.Config{Rate: 1, Capacity: 30, BurstMultiplier: 1}, cfg.Limits.Default.Config())
	assert.Equal(t, ratelimit.DefaultTuning(), cfg.Limits.TuningConfig())
	assert.Equal(t, 10<<20, int(cfg.Server.MaxBody()))
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout())
}

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Len(t, cfg.Routes, 2)
	assert.Equal(t, 3000, cfg.Routes[0].Upstream.TimeoutMS)
	assert.Equal(t, 500, cfg.Routes[1].Upstream.TimeoutMS)

	tuning := cfg.Limits.TuningConfig()
	assert.Equal(t, 2*time.Second, tuning.Window)
	assert.Equal(t, 0.25, tuning.CostFactor)
	assert.Equal(t, 0.8, tuning.HighLoad)
}

func TestParse_TuningKeepsExplicitZero(t *testing.T) {
	cfg, err := Parse([]byte(`
limits:
  tuning:
    cost_factor: 0
    moderate_load: 0
    priority_step: 0
`))
	require.NoError(t, err)

	tuning := cfg.Limits.TuningConfig()
	assert.Zero(t, tuning.CostFactor)
	assert.Zero(t, tuning.ModerateLoad)
	assert.Zero(t, tuning.PriorityStep)
	// omitted fields keep their defaults
	assert.Equal(t, 0.8, tuning.HighLoad)
	assert.Equal(t, time.Second, tuning.Window)
}

func TestRoot_PolicyFor(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t,
		ratelimit.Config{Rate: 50, Capacity: 100, BurstMultiplier: 2},
		cfg.PolicyFor("search", "alice"))
	assert.Equal(t,
		ratelimit.Config{Rate: 5, Capacity: 5, BurstMultiplier: 1},
		cfg.PolicyFor("search", "bob"))
	assert.Equal(t,
		ratelimit.Config{Rate: 10, Capacity: 20, BurstMultiplier: 1.5},
		cfg.PolicyFor("orders", "alice"))
	assert.Equal(t,
		ratelimit.Config{Rate: 10, Capacity: 20, BurstMultiplier: 1.5},
		cfg.PolicyFor("unknown", "bob"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		yaml       string
		wantConfig bool
	}{
		{"bad default rate", "limits: {default: {rate: -1, capacity: 3}}", true},
		{"bad route capacity", `
routes:
  - id: r
    upstream: {url: "http://x"}
    limits: {rate: 1, capacity: 0, burst_multiplier: 1}`, true},
		{"bad override burst", `
routes:
  - id: r
    upstream: {url: "http://x"}
    overrides: {k: {rate: 1, capacity: 2, burst_multiplier: 0.5}}`, true},
		{"bad tuning", "limits: {tuning: {high_scale: 2}}", true},
		{"missing route id", `routes: [{upstream: {url: "http://x"}}]`, false},
		{"duplicate route id", `
routes:
  - {id: a, upstream: {url: "http://x"}}
  - {id: a, upstream: {url: "http://y"}}`, false},
		{"colon in route id", `routes: [{id: "a:b", upstream: {url: "http://x"}}]`, false},
		{"bad upstream", `routes: [{id: a, upstream: {url: "::nope"}}]`, false},
		{"priority out of range", `auth: {keys: [{id: a, secret: b, priority: 11}]}`, false},
		{"not yaml", "server: [", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.wantConfig, ratelimit.IsConfigError(err), "err: %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	w, err := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Root, 4)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, func(r *Root) { reloaded <- r }) }()

	// give the watcher a moment to start draining events
	time.Sleep(50 * time.Millisecond)

	updated := []byte("limits: {default: {rate: 42, capacity: 7}}\n")
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	select {
	case r := <-reloaded:
		assert.Equal(t, 42.0, r.Limits.Default.Rate)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_SkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	w, err := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Root, 4)
	go func() { _ = w.Watch(ctx, func(r *Root) { reloaded <- r }) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("limits: {default: {rate: -5, capacity: 1}}\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
