package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/throttlegate/internal/gateway"
	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
	"github.com/AlexKimmel/throttlegate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec

	// per-limiter snapshots, refreshed by StatsExporter
	LimiterTokens      *prometheus.GaugeVec
	LimiterUsage       *prometheus.GaugeVec
	LimiterSuccessRate *prometheus.GaugeVec
	LimiterRequests    *prometheus.GaugeVec
	LimiterAvgLatency  *prometheus.GaugeVec
	Limiters           prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	limiterGauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, append([]string{"key"}, labels...))
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttlegate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "throttlegate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttlegate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttlegate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttlegate_admission_decisions_total",
				Help: "Adaptive limiter decisions by route, effective priority and outcome",
			},
			[]string{"route", "priority", "outcome"},
		),
		LimiterTokens:      limiterGauge("throttlegate_limiter_tokens", "Tokens left in the limiter bucket"),
		LimiterUsage:       limiterGauge("throttlegate_limiter_usage_rate", "Admitted requests per second over the sliding window"),
		LimiterSuccessRate: limiterGauge("throttlegate_limiter_success_ratio", "Allowed over total decisions"),
		LimiterRequests:    limiterGauge("throttlegate_limiter_requests", "Decisions made by the limiter", "outcome"),
		LimiterAvgLatency:  limiterGauge("throttlegate_limiter_avg_latency_seconds", "Mean handling time of admitted requests"),
		Limiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "throttlegate_limiters",
			Help: "Number of live limiters in the pool",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors, m.Decisions,
		m.LimiterTokens, m.LimiterUsage, m.LimiterSuccessRate, m.LimiterRequests, m.LimiterAvgLatency, m.Limiters,
	)
	return m
}

// OnDecision matches the gateway.RateLimit decision hook.
func (m *Metrics) OnDecision(routeID string, priority int, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
		m.RateLimited.WithLabelValues(routeID).Inc()
	}
	m.Decisions.WithLabelValues(routeID, strconv.Itoa(priority), outcome).Inc()
}

// OnLimiterError matches the gateway.RateLimit error hook.
func (m *Metrics) OnLimiterError(routeID string) {
	m.LimiterErrors.WithLabelValues(routeID).Inc()
}

// setLimiter publishes one limiter snapshot.
func (m *Metrics) setLimiter(key string, st ratelimit.Stats) {
	m.LimiterTokens.WithLabelValues(key).Set(st.TokensRemaining)
	m.LimiterUsage.WithLabelValues(key).Set(st.UsageRate)
	m.LimiterSuccessRate.WithLabelValues(key).Set(st.SuccessRate)
	m.LimiterRequests.WithLabelValues(key, "allowed").Set(float64(st.AllowedRequests))
	m.LimiterRequests.WithLabelValues(key, "denied").Set(float64(st.DeniedRequests))
	m.LimiterAvgLatency.WithLabelValues(key).Set(st.AvgLatency.Seconds())
}

func (m *Metrics) deleteLimiter(key string) {
	m.LimiterTokens.DeleteLabelValues(key)
	m.LimiterUsage.DeleteLabelValues(key)
	m.LimiterSuccessRate.DeleteLabelValues(key)
	m.LimiterRequests.DeleteLabelValues(key, "allowed")
	m.LimiterRequests.DeleteLabelValues(key, "denied")
	m.LimiterAvgLatency.DeleteLabelValues(key)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It reads the route stored by gateway.RouteMatcher, so it must sit inside it.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
