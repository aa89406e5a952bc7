package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
	StatsSchedule  string `yaml:"stats_schedule"`  // cron expression, e.g. "@every 30s"
}

// LimitSpec is the YAML form of ratelimit.Config.
type LimitSpec struct {
	Rate            float64 `yaml:"rate"` // tokens per second
	Capacity        int     `yaml:"capacity"`
	BurstMultiplier float64 `yaml:"burst_multiplier"`
	MinTokens       float64 `yaml:"min_tokens"`
}

func (s LimitSpec) IsZero() bool { return s == LimitSpec{} }

// Config converts to ratelimit.Config; an omitted burst multiplier means no burst.
func (s LimitSpec) Config() ratelimit.Config {
	bm := s.BurstMultiplier
	if bm == 0 {
		bm = 1
	}
	return ratelimit.Config{
		Rate:            s.Rate,
		Capacity:        s.Capacity,
		BurstMultiplier: bm,
		MinTokens:       s.MinTokens,
	}
}

// Tuning fields are pointers so an explicit zero in the file is kept
// apart from an omitted field.
type Tuning struct {
	WindowMS      *int     `yaml:"window_ms"`
	CostFactor    *float64 `yaml:"cost_factor"`
	PriorityStep  *float64 `yaml:"priority_step"`
	MaxPriority   *int     `yaml:"max_priority"`
	ModerateLoad  *float64 `yaml:"moderate_load"`
	ModerateScale *float64 `yaml:"moderate_scale"`
	HighLoad      *float64 `yaml:"high_load"`
	HighScale     *float64 `yaml:"high_scale"`
}

type Limits struct {
	Default LimitSpec `yaml:"default"`
	Tuning  *Tuning   `yaml:"tuning"`
}

// TuningConfig returns the adaptive tuning, falling back to the library defaults
// for every field left out of the file.
func (l Limits) TuningConfig() ratelimit.Tuning {
	t := ratelimit.DefaultTuning()
	if l.Tuning == nil {
		return t
	}
	y := l.Tuning
	if y.WindowMS != nil {
		t.Window = time.Duration(*y.WindowMS) * time.Millisecond
	}
	setFloat(&t.CostFactor, y.CostFactor)
	setFloat(&t.PriorityStep, y.PriorityStep)
	if y.MaxPriority != nil {
		t.MaxPriority = *y.MaxPriority
	}
	setFloat(&t.ModerateLoad, y.ModerateLoad)
	setFloat(&t.ModerateScale, y.ModerateScale)
	setFloat(&t.HighLoad, y.HighLoad)
	setFloat(&t.HighScale, y.HighScale)
	return t
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Priority int               `yaml:"priority"` // 0..max_priority
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	// Limits overrides limits.default for this route.
	Limits LimitSpec `yaml:"limits"`
	// Overrides maps an API key id to its own limit on this route.
	Overrides map[string]LimitSpec `yaml:"overrides"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

// PolicyFor resolves the limit for a key on a route: per-key override,
// then route limit, then the global default.
func (c *Root) PolicyFor(routeID, keyID string) ratelimit.Config {
	for i := range c.Routes {
		rt := &c.Routes[i]
		if rt.ID != routeID {
			continue
		}
		if o, ok := rt.Overrides[keyID]; ok && !o.IsZero() {
			return o.Config()
		}
		if !rt.Limits.IsZero() {
			return rt.Limits.Config()
		}
		break
	}
	return c.Limits.Default.Config()
}

// Validate checks everything that would otherwise fail later, at limiter
// construction or route setup.
func (c *Root) Validate() error {
	if err := c.Limits.Default.Config().Validate(); err != nil {
		return fmt.Errorf("limits.default: %w", err)
	}
	if err := c.Limits.TuningConfig().Validate(); err != nil {
		return fmt.Errorf("limits.tuning: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for _, rt := range c.Routes {
		if rt.ID == "" {
			return fmt.Errorf("routes: route with prefix %q has no id", rt.Match.PathPrefix)
		}
		if strings.Contains(rt.ID, ":") {
			return fmt.Errorf("routes: id %q must not contain ':', it separates key and route in limiter keys", rt.ID)
		}
		if _, dup := seen[rt.ID]; dup {
			return fmt.Errorf("routes: duplicate id %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}

		if _, err := url.ParseRequestURI(rt.Upstream.URL); err != nil {
			return fmt.Errorf("routes[%s].upstream.url: %w", rt.ID, err)
		}
		if !rt.Limits.IsZero() {
			if err := rt.Limits.Config().Validate(); err != nil {
				return fmt.Errorf("routes[%s].limits: %w", rt.ID, err)
			}
		}
		for keyID, o := range rt.Overrides {
			if err := o.Config().Validate(); err != nil {
				return fmt.Errorf("routes[%s].overrides[%s]: %w", rt.ID, keyID, err)
			}
		}
	}

	maxPriority := c.Limits.TuningConfig().MaxPriority
	for _, k := range c.Auth.Keys {
		if k.Priority < 0 || k.Priority > maxPriority {
			return fmt.Errorf("auth.keys[%s].priority: %d outside [0, %d]", k.ID, k.Priority, maxPriority)
		}
	}
	return nil
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Observability.StatsSchedule == "" {
		cfg.Observability.StatsSchedule = "@every 30s"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Default.IsZero() {
		cfg.Limits.Default = LimitSpec{Rate: 1, Capacity: 30, BurstMultiplier: 1}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
