package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/config"
	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/health"
	"github.com/snarg/busiq/internal/metrics"
	"github.com/snarg/busiq/internal/ops"
	"github.com/snarg/busiq/internal/state"
)

// Deps collects the services the HTTP layer fronts.
type Deps struct {
	Store     state.Store
	Catalog   *catalog.Catalog
	Crowd     *crowd.Service
	Engine    *ops.Engine
	Health    *health.Scorer
	StatsPath string
	Version   string
	StartTime time.Time
}

type Server struct {
	http *http.Server
	deps Deps
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/buses", s.handleBuses)
		r.Get("/buses/{id}", s.handleBus)

		r.Get("/predictions/ghosts", s.handleGhosts)
		r.Get("/predictions/bunching", s.handleBunching)
		r.Get("/predictions/eta/{stopID}", s.handleStopETA)

		r.Get("/crowding/snapshot", s.handleCrowdingSnapshot)
		r.Get("/crowding/recent", s.handleCrowdingRecent)
		r.Post("/crowding/report", s.handleCrowdingReport)
		r.Get("/crowding/vehicle/{id}", s.handleCrowdingVehicle)

		r.Get("/ops/interventions", s.handleInterventions)
		r.Get("/ops/interventions/history", s.handleInterventionHistory)
		r.Post("/ops/interventions/{id}", s.handleInterventionAction)
		r.Get("/ops/health", s.handleNetworkHealth)

		r.Get("/routes", s.handleRoutes)
		r.Get("/routes/geojson", s.handleRoutesGeoJSON)
		r.Get("/routes/{id}", s.handleRoute)
		r.Get("/routes/{id}/stops", s.handleRouteStops)
		r.Get("/stops/geojson", s.handleStopsGeoJSON)
		r.Get("/stats/summary", s.handleStatsSummary)

		r.Get("/ws/live", s.handleLiveWS)
	})

	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
