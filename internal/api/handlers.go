package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/redirect"
	"github.com/undeadops/terse-edge/internal/store"
	"github.com/undeadops/terse-edge/internal/warmer"
)

// Resolver writes the user-facing response for a key or the root path.
type Resolver interface {
	ServeKey(w http.ResponseWriter, r *http.Request, key string)
	ServeRoot(w http.ResponseWriter, r *http.Request)
}

// Receiver applies pushes from the system of record.
type Receiver interface {
	OnUpsert(record store.ShortURL) error
	OnEvict(key string) error
	OnRefresh(ctx context.Context, key string) (string, error)
}

// Warmer is the cache warmer as seen by the API.
type Warmer interface {
	Done() bool
	Rewarm(ctx context.Context) error
	Status() warmer.Status
}

// Deps wires the router to the edge components.
type Deps struct {
	Resolver Resolver
	Receiver Receiver
	Warmer   Warmer
	Cache    store.Store
	Capacity int
	Config   interface{ LastRefresh() time.Time }
	History  interface{ Pending() int }

	// RateLimit requests per RateWindow per client on /internal; 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

type UserHandler struct {
	resolver Resolver
	warmer   Warmer
	logger   zerolog.Logger
}

type CacheHandler struct {
	deps   Deps
	logger zerolog.Logger
}

//nolint:gocritic // Deps and zerolog.Logger are passed once at startup
func Router(deps Deps, logger zerolog.Logger) *chi.Mux {
	usr := &UserHandler{
		resolver: deps.Resolver,
		warmer:   deps.Warmer,
		logger:   logger,
	}
	cache := &CacheHandler{
		deps:   deps,
		logger: logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.Heartbeat("/ping"))
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ready", usr.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// pushes are accepted before the boot warm finishes
	r.Route("/internal", func(r chi.Router) {
		if deps.RateLimit > 0 {
			r.Use(httprate.LimitByIP(deps.RateLimit, deps.RateWindow))
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/cache", func(r chi.Router) {
			r.Put("/short-urls", cache.Upsert)
			r.Delete("/short-urls/{key}", cache.Evict)
			r.Post("/short-urls/{key}/refresh", cache.Refresh)
			r.Post("/warm", cache.Rewarm)
			r.Get("/stats", cache.Stats)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(usr.requireWarm)
		r.Get("/", usr.Root)
		r.Get("/{key}", usr.Redirect)
	})
	return r
}

func (h *UserHandler) requireWarm(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.warmer.Done() {
			metrics.RedirectOutcomes.WithLabelValues(string(redirect.OutcomeUnavailable)).Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *UserHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	h.resolver.ServeKey(w, r, chi.URLParam(r, "key"))
}

func (h *UserHandler) Root(w http.ResponseWriter, r *http.Request) {
	h.resolver.ServeRoot(w, r)
}

type ReadyResponse struct {
	Status string `json:"status"`
}

func (h *UserHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.warmer.Done() {
		w.Header().Set("Retry-After", "1")
		respondJSON(w, r, http.StatusServiceUnavailable, &ReadyResponse{Status: "warming"})
		return
	}
	respondJSON(w, r, http.StatusOK, &ReadyResponse{Status: "ready"})
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	render.Status(r, status)
	render.JSON(w, r, data)
}
