package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/throttlegate/internal/auth"
	"github.com/AlexKimmel/throttlegate/internal/ratelimit"
	"github.com/AlexKimmel/throttlegate/internal/routing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newPool(t *testing.T, def ratelimit.Config) (*ratelimit.Pool, *ratelimit.ManualClock) {
	t.Helper()
	clock := ratelimit.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := ratelimit.NewPool(def, ratelimit.WithLimiterOptions(ratelimit.WithClock(clock)))
	require.NoError(t, err)
	return p, clock
}

func request(keyID string, priority int, routeID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/"+routeID, nil)
	r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{ID: keyID, Priority: priority}))
	return routing.WithRoute(r, &routing.Route{ID: routeID, Prefix: "/" + routeID})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler, mw("outer"), nil, mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRateLimit_AdmitsThenRejects(t *testing.T) {
	pool, clock := newPool(t, ratelimit.Config{Rate: 0.5, Capacity: 1, BurstMultiplier: 1})
	h := Chain(okHandler, RateLimit(pool, nil, nil, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("alice", 0, "search"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "0.00", rec.Header().Get("X-RateLimit-Usage"))
	assert.Empty(t, rec.Header().Get("Retry-After"))

	// load is now 2x the rate: cost 2 tokens at 0.5/s
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("alice", 0, "search"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2.00", rec.Header().Get("X-RateLimit-Usage"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"rate_limited"`)

	// once the window has drained and the bucket refilled, traffic flows again
	clock.Advance(2 * time.Second)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("alice", 0, "search"))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"alice:search"}, pool.Keys())
}

func TestRateLimit_KeysAreIsolated(t *testing.T) {
	pool, _ := newPool(t, ratelimit.Config{Rate: 0.5, Capacity: 1, BurstMultiplier: 1})
	h := Chain(okHandler, RateLimit(pool, nil, nil, nil, nil))

	for _, tc := range []struct{ key, route string }{
		{"alice", "search"}, {"alice", "orders"}, {"bob", "search"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request(tc.key, 0, tc.route))
		assert.Equal(t, http.StatusOK, rec.Code, "%s on %s", tc.key, tc.route)
	}
	assert.Equal(t, []string{"alice:orders", "alice:search", "bob:search"}, pool.Keys())
}

func TestRateLimit_UsesResolvedPolicy(t *testing.T) {
	pool, _ := newPool(t, ratelimit.Config{Rate: 1, Capacity: 1, BurstMultiplier: 1})
	policy := func(routeID, keyID string) ratelimit.Config {
		if keyID == "alice" {
			return ratelimit.Config{Rate: 100, Capacity: 50, BurstMultiplier: 2}
		}
		return ratelimit.Config{}
	}
	h := Chain(okHandler, RateLimit(pool, policy, nil, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("alice", 0, "search"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("bob", 0, "search"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_PriorityFromIdentityAndHeader(t *testing.T) {
	pool, _ := newPool(t, ratelimit.Config{Rate: 100, Capacity: 100, BurstMultiplier: 1})

	var got []int
	onDecision := func(_ string, priority int, allowed bool) {
		assert.True(t, allowed)
		got = append(got, priority)
	}
	h := Chain(okHandler, RateLimit(pool, nil, nil, onDecision, nil))

	h.ServeHTTP(httptest.NewRecorder(), request("alice", 5, "search"))

	r := request("alice", 5, "search")
	r.Header.Set(auth.PriorityHeader, "2")
	h.ServeHTTP(httptest.NewRecorder(), r)

	// the header can only lower the key's priority
	r = request("alice", 5, "search")
	r.Header.Set(auth.PriorityHeader, "9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []int{5, 2, 5}, got)
}

func TestRateLimit_InvalidPolicyIs500(t *testing.T) {
	pool, _ := newPool(t, ratelimit.DefaultConfig())
	policy := func(string, string) ratelimit.Config {
		return ratelimit.Config{Rate: -1, Capacity: 1, BurstMultiplier: 1}
	}

	var errRoute string
	h := Chain(okHandler, RateLimit(pool, policy, nil, nil, func(routeID string) { errRoute = routeID }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("alice", 0, "search"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limiter_error"`)
	assert.Equal(t, "search", errRoute)
	assert.Zero(t, pool.Len())
}

func TestRateLimit_SkipPathsAndAnonymous(t *testing.T) {
	pool, _ := newPool(t, ratelimit.DefaultConfig())
	h := Chain(okHandler, RateLimit(pool, nil, map[string]struct{}{"/health": {}}, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, pool.Len())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"anon:default"}, pool.Keys())
}

func TestRateLimit_ObservesHandlerLatency(t *testing.T) {
	pool, _ := newPool(t, ratelimit.DefaultConfig())
	slow := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
	})
	h := Chain(slow, RateLimit(pool, nil, nil, nil, nil))
	h.ServeHTTP(httptest.NewRecorder(), request("alice", 0, "search"))

	st, ok := pool.StatsFor("alice:search")
	require.True(t, ok)
	assert.GreaterOrEqual(t, st.TotalLatency, 5*time.Millisecond)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(0.0001))
	assert.Equal(t, 2, retryAfterSeconds(1.2))
	assert.Equal(t, 4, retryAfterSeconds(4))
}

func TestRouteMatcher(t *testing.T) {
	up, _ := url.Parse("http://upstream")
	rr := routing.New()
	rr.Add(&routing.Route{ID: "search", Prefix: "/search", UpUrl: up})

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt, ok := routing.RouteFrom(r); ok {
			seen = rt.ID
		}
	})
	h := Chain(next, RouteMatcher(rr, nil, zerolog.Nop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search/q", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "search", seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"no_route"`)
}

func TestBodyLimit(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Chain(echo, BodyLimit(4))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abc")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdefgh")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), `"body_too_large"`)
}
