package gateway

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/throttlegate/internal/auth"
	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
	"github.com/AlexKimmel/throttlegate/internal/routing"
)

// LimiterSource hands out the limiter for a key. *ratelimit.Pool satisfies it.
type LimiterSource interface {
	GetOrCreate(key string, cfg ratelimit.Config) (*ratelimit.AdaptiveLimiter, error)
}

// PolicyFunc resolves the limit for a key on a route. It is called per
// request so a reloaded config is picked up without a restart.
type PolicyFunc func(routeID, keyID string) ratelimit.Config

// RateLimit admits or rejects each request through the adaptive limiter for
// "{keyID}:{routeID}". Admitted requests have their handling time fed back
// into the limiter's latency stats.
func RateLimit(
	src LimiterSource,
	policy PolicyFunc,
	skipPaths map[string]struct{},
	onDecision func(routeID string, priority int, allowed bool),
	onError func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, ok := auth.KeyIDFrom(r.Context())
			if !ok || keyID == "" {
				keyID = "anon"
			}

			routeID := ratelimit.DefaultOperation
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				routeID = rt.ID
			}

			var cfg ratelimit.Config
			if policy != nil {
				cfg = policy(routeID, keyID)
			}

			lim, err := src.GetOrCreate(ratelimit.Key(keyID, routeID), cfg)
			if err != nil {
				if onError != nil {
					onError(routeID)
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			allowed, info := lim.AllowRequest(auth.RequestPriority(r))
			if onDecision != nil {
				onDecision(routeID, info.Priority, allowed)
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(int(math.Floor(info.EffectiveCapacity))))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(0, math.Floor(info.TokensRemaining)))))
			h.Set("X-RateLimit-Usage", strconv.FormatFloat(info.UsageRate, 'f', 2, 64))

			if !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(info.RetryAfter)))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			start := time.Now()
			next.ServeHTTP(w, r)
			lim.ObserveLatency(time.Since(start))
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, never below 1.
func retryAfterSeconds(secs float64) int {
	s := int(math.Ceil(secs))
	if s < 1 {
		return 1
	}
	return s
}
