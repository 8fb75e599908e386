package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"CatMap/internal/auth"
	"CatMap/pkg/kit"
)

type HTTPDeps struct {
	Log      *zap.Logger
	Service  string
	Registry *prometheus.Registry

	MetricsEnabled bool
	MetricsToken   string
}

type Deps struct {
	// CategoryURLs lists the category service replicas to balance over.
	CategoryURLs []string
	JWTSecret    string
}

const (
	readyTimeout      = 2 * time.Second
	readyProbeTimeout = 700 * time.Millisecond

	loginLimitPerMin = 10
	limitWindowSec   = 60
)

var readyClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	},
}

// NewHandler assembles the edge. Reads pass through; admin verbs are
// refused here unless the caller already holds an admin token, before
// the category service checks again itself.
func NewHandler(deps Deps, httpDeps HTTPDeps) (http.Handler, error) {
	pool, err := NewPool(deps.CategoryURLs, httpDeps.Log)
	if err != nil {
		return nil, err
	}

	jwt := auth.NewTokenMaker(deps.JWTSecret)
	loginLimiter := kit.NewIPRateLimiter(loginLimitPerMin, limitWindowSec)

	r := chi.NewRouter()
	setupMiddleware(r, httpDeps)
	setupMetrics(r, httpDeps)

	r.Get("/healthz", healthz)
	r.Get("/readyz", readyz(deps, httpDeps.Log))

	r.With(loginLimiter.Middleware).Method(http.MethodPost, "/auth/login", pool)
	r.Handle("/auth/*", pool)

	r.Method(http.MethodGet, "/categories", pool)
	r.Method(http.MethodGet, "/categories/*", pool)

	r.Group(func(pr chi.Router) {
		pr.Use(auth.RequireRole(jwt, auth.RoleAdmin))

		pr.Method(http.MethodPost, "/categories", pool)
		pr.Method(http.MethodPatch, "/categories/*", pool)
		pr.Method(http.MethodDelete, "/categories/*", pool)

		pr.Method(http.MethodPost, "/cache/reset", pool)
		pr.Method(http.MethodPost, "/cache/reset/*", pool)
	})

	return r, nil
}

func setupMiddleware(r *chi.Mux, deps HTTPDeps) {
	r.Use(chimw.RequestID)
	r.Use(kit.Recoverer)
	r.Use(kit.Logging(deps.Log))
	r.Use(StripUntrustedHeaders)
}

func setupMetrics(r *chi.Mux, deps HTTPDeps) {
	if deps.Registry == nil {
		return
	}

	metrics := kit.NewMetrics(deps.Registry)
	r.Use(metrics.Middleware(deps.Service, kit.ChiRoutePatternOrPath))

	if !deps.MetricsEnabled {
		return
	}

	r.With(kit.MetricsAuth(deps.MetricsToken)).
		Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// readyz reports ready only when every replica is, so orchestration
// keeps the edge out of rotation while any upstream is still warming.
func readyz(deps Deps, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		for _, base := range deps.CategoryURLs {
			if err := checkReady(ctx, base+"/readyz"); err != nil {
				if log != nil {
					log.Warn("readyz failed", zap.String("upstream", base), zap.Error(err))
				}
				kit.WriteError(w, r, http.StatusServiceUnavailable, "upstream not ready", map[string]any{"upstream": base})
				return
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}

func checkReady(ctx context.Context, url string) error {
	cctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := readyClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}

	return nil
}
