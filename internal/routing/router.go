package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/throttlegate/internal/config"
)

// Route is one upstream service. Its ID doubles as the operation name in
// rate limiter keys ("{keyID}:{routeID}").
type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpUrl   *url.URL
	Timeout time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router with one route per configured entry, in file
// order; the first match wins.
func FromConfig(routes []config.Routes) (*Router, error) {
	r := New()
	for _, rc := range routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		r.Add(&Route{
			ID:      rc.ID,
			Methods: methods,
			Prefix:  rc.Match.PathPrefix,
			UpUrl:   up,
			Timeout: time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
		})
	}
	return r, nil
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
