package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool spreads requests over the category replicas round-robin. Every
// replica serves the same tree, so any of them can answer any request.
type Pool struct {
	proxies []*httputil.ReverseProxy
	targets []string
	next    atomic.Uint64
}

func NewPool(targets []string, log *zap.Logger) (*Pool, error) {
	if len(targets) == 0 {
		return nil, errors.New("no upstream targets")
	}

	p := &Pool{targets: targets}
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil {
			return nil, fmt.Errorf("bad upstream %q: %w", t, err)
		}

		rp := httputil.NewSingleHostReverseProxy(u)
		target := t
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			if log != nil {
				log.Warn("upstream error", zap.String("target", target), zap.Error(err))
			}
			w.WriteHeader(http.StatusBadGateway)
		}
		p.proxies = append(p.proxies, rp)
	}
	return p, nil
}

func (p *Pool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i := p.next.Add(1) - 1
	p.proxies[int(i%uint64(len(p.proxies)))].ServeHTTP(w, r)
}

// StripUntrustedHeaders removes identity headers a client could spoof.
// Upstreams trust only the bearer token the proxy forwards.
func StripUntrustedHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del("X-User-Id")
		r.Header.Del("X-User-Role")
		next.ServeHTTP(w, r)
	})
}
