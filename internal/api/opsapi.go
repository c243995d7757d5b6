package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/busiq/internal/ops"
)

// InterventionsResponse groups the active list for the control-room view.
type InterventionsResponse struct {
	Interventions []ops.Intervention            `json:"interventions"`
	Count         int                           `json:"count"`
	ByType        map[string][]ops.Intervention `json:"by_type"`
	Summary       InterventionSummary           `json:"summary"`
}

type InterventionSummary struct {
	Critical           int `json:"critical"`
	High               int `json:"high"`
	Medium             int `json:"medium"`
	Low                int `json:"low"`
	PassengersAffected int `json:"passengers_affected"`
}

func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	refresh, _ := QueryBool(r, "refresh")

	var (
		list []ops.Intervention
		err  error
	)
	if !refresh {
		list, err = s.deps.Engine.Active(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("active interventions read failed")
			WriteError(w, http.StatusInternalServerError, "interventions unavailable")
			return
		}
	}
	// An empty active list regenerates, so the first request after the TTL
	// still sees recommendations.
	if refresh || len(list) == 0 {
		list, err = s.deps.Engine.Generate(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("intervention generation failed")
			WriteError(w, http.StatusInternalServerError, "interventions unavailable")
			return
		}
	}

	byType := make(map[string][]ops.Intervention)
	var summary InterventionSummary
	for _, iv := range list {
		byType[iv.Type] = append(byType[iv.Type], iv)
		switch iv.Priority {
		case ops.PriorityCritical:
			summary.Critical++
		case ops.PriorityHigh:
			summary.High++
		case ops.PriorityMedium:
			summary.Medium++
		default:
			summary.Low++
		}
		summary.PassengersAffected += iv.PassengersAffected
	}
	if list == nil {
		list = []ops.Intervention{}
	}

	WriteData(w, http.StatusOK, InterventionsResponse{
		Interventions: list,
		Count:         len(list),
		ByType:        byType,
		Summary:       summary,
	})
}

// InterventionActionRequest carries the operator decision.
type InterventionActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleInterventionAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req InterventionActionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action != "approve" && req.Action != "dismiss" {
		WriteError(w, http.StatusBadRequest, "action must be approve or dismiss")
		return
	}

	updated, found, err := s.deps.Engine.Action(r.Context(), id, req.Action)
	if err != nil {
		s.log.Error().Err(err).Str("intervention_id", id).Msg("intervention action failed")
		WriteError(w, http.StatusInternalServerError, "action not applied")
		return
	}
	if !found {
		WriteError(w, http.StatusNotFound, "intervention not found")
		return
	}
	WriteData(w, http.StatusOK, updated)
}

func (s *Server) handleInterventionHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := ParseLimit(r, 50, 200)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Engine.History(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("intervention history read failed")
		WriteError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if list == nil {
		list = []ops.Intervention{}
	}
	WriteData(w, http.StatusOK, map[string]any{
		"history": list,
		"count":   len(list),
	})
}

func (s *Server) handleNetworkHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Health.Calculate(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("health calculation failed")
		WriteError(w, http.StatusInternalServerError, "health unavailable")
		return
	}
	WriteData(w, http.StatusOK, report)
}
