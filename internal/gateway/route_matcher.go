package gateway

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/throttlegate/internal/routing"
)

// RouteMatcher stores the matched route in the request context; unmatched
// requests get a JSON 404.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}, logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				if e := logger.Debug(); e.Enabled() {
					prefixes := make([]string, 0, len(rr.Routes()))
					for _, x := range rr.Routes() {
						prefixes = append(prefixes, x.Prefix)
					}
					e.Str("method", r.Method).
						Str("path", r.URL.Path).
						Strs("known_prefixes", prefixes).
						Msg("no route matched")
				}
				writeJSON(w, http.StatusNotFound, "no_route", "no matching route")
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
