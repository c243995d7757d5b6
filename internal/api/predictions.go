package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/busiq/internal/detect"
	"github.com/snarg/busiq/internal/predict"
	"github.com/snarg/busiq/internal/state"
)

func (s *Server) handleGhosts(w http.ResponseWriter, r *http.Request) {
	vehicles, err := state.ReadFleet(r.Context(), s.deps.Store)
	if err != nil {
		s.log.Error().Err(err).Msg("fleet read failed")
		WriteError(w, http.StatusInternalServerError, "fleet unavailable")
		return
	}
	WriteData(w, http.StatusOK, detect.Ghosts(vehicles, s.deps.Catalog, time.Now()))
}

func (s *Server) handleBunching(w http.ResponseWriter, r *http.Request) {
	vehicles, err := state.ReadFleet(r.Context(), s.deps.Store)
	if err != nil {
		s.log.Error().Err(err).Msg("fleet read failed")
		WriteError(w, http.StatusInternalServerError, "fleet unavailable")
		return
	}
	WriteData(w, http.StatusOK, detect.Bunching(vehicles, time.Now()))
}

func (s *Server) handleStopETA(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopID")
	routeID := r.URL.Query().Get("route_id")

	vehicles, err := state.ReadFleet(r.Context(), s.deps.Store)
	if err != nil {
		s.log.Error().Err(err).Msg("fleet read failed")
		WriteError(w, http.StatusInternalServerError, "fleet unavailable")
		return
	}
	WriteData(w, http.StatusOK,
		predict.StopArrivals(vehicles, s.deps.Catalog, stopID, routeID, time.Now()))
}
