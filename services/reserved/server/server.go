// Package server exposes the reserves over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raac/gateway/middleware"
	nativecommon "raac/native/common"
	"raac/services/reserved/journal"
	"raac/services/reserved/registry"
	"raac/services/reserved/stream"
)

const maxBodyBytes = 1 << 16

// Config wires the server's collaborators. Journal, Hub, Auth and Limiter are
// optional; the routes that need them are not mounted when they are nil.
type Config struct {
	Registry   *registry.Registry
	Journal    *journal.Journal
	Hub        *stream.Hub
	Pauses     *nativecommon.PauseSet
	Auth       *middleware.Authenticator
	AdminScope string
	PoolScope  string
	Limiter    *middleware.RateLimiter
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Server is the reserved HTTP API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	obs     *middleware.Observability
	handler http.Handler
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	obs, err := middleware.NewObservability("reserved", cfg.Registerer, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, obs: obs}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// HTTPServer returns an http.Server with conservative timeouts. WriteTimeout
// is left unset so websocket streams are not cut off.
func (s *Server) HTTPServer(addr string, wrap func(http.Handler) http.Handler) *http.Server {
	handler := s.handler
	if wrap != nil {
		handler = wrap(handler)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDs)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		if s.cfg.Limiter != nil {
			v1.Use(s.cfg.Limiter.Middleware("v1"))
		}
		v1.Get("/reserves", s.handleListReserves)
		v1.Route("/reserves/{id}", func(rr chi.Router) {
			rr.Get("/", s.handleGetReserve)
			rr.Get("/rates", s.handleGetRates)
			rr.Get("/utilization", s.handleGetUtilization)
			rr.Get("/normalized", s.handleGetNormalized)
			if s.cfg.Journal != nil {
				rr.Get("/events", s.handleListEvents)
			}
			rr.Group(func(pool chi.Router) {
				if s.cfg.Auth != nil {
					pool.Use(s.cfg.Auth.Middleware(s.cfg.PoolScope))
				}
				pool.Post("/deposit", s.handleDeposit)
				pool.Post("/withdraw", s.handleWithdraw)
				pool.Post("/usage", s.handleUsage)
				pool.Post("/accrue", s.handleAccrue)
			})
		})
		if s.cfg.Hub != nil {
			v1.Get("/events/stream", s.handleStream)
		}
		if s.cfg.Auth != nil {
			v1.Route("/admin", func(admin chi.Router) {
				admin.Use(s.cfg.Auth.Middleware(s.cfg.AdminScope))
				admin.Post("/reserves/{id}/prime-rate", s.handleSetPrimeRate)
				admin.Put("/reserves/{id}/curve", s.handleSetCurve)
				if s.cfg.Pauses != nil {
					admin.Get("/pause", s.handleGetPause)
					admin.Put("/pause", s.handleSetPause)
				}
			})
		}
	})
	return r
}
