package api

import (
	"net/http"
	"time"

	"github.com/snarg/busiq/internal/state"
)

// HealthzResponse is the service liveness body, distinct from the network
// health score served under /api/v1/ops/health.
type HealthzResponse struct {
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Checks          map[string]string `json:"checks"`
	FleetAgeSeconds *int64            `json:"fleet_age_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	var fleetAge *int64
	ts, err := state.FleetTimestamp(r.Context(), s.deps.Store)
	switch {
	case err != nil || ts == "":
		checks["fleet"] = "no_data"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			age := int64(time.Since(t).Seconds())
			fleetAge = &age
			if age > int64(2*state.VehicleTTL.Seconds()) {
				checks["fleet"] = "stale"
				if status == "healthy" {
					status = "degraded"
				}
			} else {
				checks["fleet"] = "ok"
			}
		} else {
			checks["fleet"] = "bad_timestamp"
		}
	}

	WriteJSON(w, httpStatus, HealthzResponse{
		Status:          status,
		Version:         s.deps.Version,
		UptimeSeconds:   int64(time.Since(s.deps.StartTime).Seconds()),
		Checks:          checks,
		FleetAgeSeconds: fleetAge,
	})
}
