package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/metrics"
)

func (s *Server) handleCrowdingSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Crowd.TakeSnapshot(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("crowding snapshot failed")
		WriteError(w, http.StatusInternalServerError, "crowding unavailable")
		return
	}
	WriteData(w, http.StatusOK, snap)
}

func (s *Server) handleCrowdingRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := ParseLimit(r, 20, 100)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := s.deps.Crowd.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("crowding recent failed")
		WriteError(w, http.StatusInternalServerError, "crowding unavailable")
		return
	}
	if reports == nil {
		reports = []crowd.Report{}
	}
	WriteData(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// CrowdReportRequest is the anonymous passenger submission body.
type CrowdReportRequest struct {
	VehicleID      string  `json:"vehicle_id"`
	RouteID        string  `json:"route_id"`
	RouteShortName string  `json:"route_short_name"`
	CrowdingLevel  string  `json:"crowding_level"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

func (s *Server) handleCrowdingReport(w http.ResponseWriter, r *http.Request) {
	var req CrowdReportRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.VehicleID == "" {
		WriteError(w, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	if !crowd.ValidLevel(req.CrowdingLevel) {
		WriteError(w, http.StatusBadRequest, "crowding_level must be one of empty, seats, standing, full")
		return
	}

	report, err := s.deps.Crowd.Submit(r.Context(),
		req.VehicleID, req.RouteID, req.RouteShortName, req.CrowdingLevel,
		req.Latitude, req.Longitude)
	if err != nil {
		s.log.Error().Err(err).Msg("crowd report store failed")
		WriteError(w, http.StatusInternalServerError, "report not stored")
		return
	}
	metrics.CrowdReportsTotal.Inc()
	WriteData(w, http.StatusCreated, report)
}

func (s *Server) handleCrowdingVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, ok, err := s.deps.Crowd.VehicleLatest(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("vehicle_id", id).Msg("crowd lookup failed")
		WriteError(w, http.StatusInternalServerError, "crowding unavailable")
		return
	}
	if !ok {
		WriteData(w, http.StatusOK, nil)
		return
	}
	WriteData(w, http.StatusOK, report)
}
