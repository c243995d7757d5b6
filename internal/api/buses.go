package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/busiq/internal/state"
)

// FleetResponse is the /buses payload.
type FleetResponse struct {
	Buses     []state.Vehicle `json:"buses"`
	Count     int             `json:"count"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) handleBuses(w http.ResponseWriter, r *http.Request) {
	vehicles, err := state.ReadFleet(r.Context(), s.deps.Store)
	if err != nil {
		s.log.Error().Err(err).Msg("fleet read failed")
		WriteError(w, http.StatusInternalServerError, "fleet unavailable")
		return
	}
	ts, _ := state.FleetTimestamp(r.Context(), s.deps.Store)
	if vehicles == nil {
		vehicles = []state.Vehicle{}
	}
	WriteData(w, http.StatusOK, FleetResponse{
		Buses:     vehicles,
		Count:     len(vehicles),
		Timestamp: ts,
	})
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := state.ReadVehicle(r.Context(), s.deps.Store, id)
	if errors.Is(err, state.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("vehicle_id", id).Msg("vehicle read failed")
		WriteError(w, http.StatusInternalServerError, "vehicle unavailable")
		return
	}
	WriteData(w, http.StatusOK, v)
}
