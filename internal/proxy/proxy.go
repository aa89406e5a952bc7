package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/throttlegate/internal/routing"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Proxy forwards requests to the upstream of the matched route. One
// ReverseProxy is built per route and reused.
type Proxy struct {
	tr     http.RoundTripper
	logger zerolog.Logger

	mu      sync.Mutex
	proxies map[*routing.Route]*httputil.ReverseProxy
}

func New(tr http.RoundTripper, logger zerolog.Logger) *Proxy {
	if tr == nil {
		tr = NewHTTPTransport()
	}
	return &Proxy{
		tr:      tr,
		logger:  logger.With().Str("component", "proxy").Logger(),
		proxies: make(map[*routing.Route]*httputil.ReverseProxy),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := routing.RouteFrom(r)
	if !ok || rt == nil || rt.UpUrl == nil {
		writeJSON(w, http.StatusInternalServerError, "no_route_ctx", "route not in context")
		return
	}

	rp := p.proxyFor(rt)
	if rt.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	rp.ServeHTTP(w, r)
}

func (p *Proxy) proxyFor(rt *routing.Route) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rp, ok := p.proxies[rt]; ok {
		return rp
	}
	up := rt.UpUrl
	routeID := rt.ID
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(up)
			pr.SetXForwarded()
		},
		Transport: p.tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger := hlog.FromRequest(r)
			if logger.GetLevel() == zerolog.Disabled {
				logger = &p.logger
			}
			logger.Error().Err(err).
				Str("route", routeID).
				Str("upstream", up.String()).
				Msg("upstream request failed")

			code := http.StatusBadGateway
			if r.Context().Err() == context.DeadlineExceeded {
				code = http.StatusGatewayTimeout
			}
			writeJSON(w, code, "upstream_error", "upstream unavailable")
		},
	}
	p.proxies[rt] = rp
	return rp
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
