// Package detect holds the stateless analytic passes over the live fleet
// snapshot: ghost vehicles, bunching pairs, and nothing else. Each pass is a
// pure function of its inputs so it can run inside any request handler.
package detect

import (
	"sort"
	"time"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

// StaleThreshold is the signal age beyond which a vehicle counts as a ghost.
const StaleThreshold = 120 * time.Second

// GhostBus is a vehicle whose feed signal has gone stale.
type GhostBus struct {
	VehicleID      string  `json:"vehicle_id"`
	RouteID        string  `json:"route_id"`
	RouteShortName string  `json:"route_short_name"`
	LastLatitude   float64 `json:"last_latitude"`
	LastLongitude  float64 `json:"last_longitude"`
	LastSeen       string  `json:"last_seen"`
	StaleSeconds   int     `json:"stale_seconds"`
	GhostType      string  `json:"ghost_type"` // always "signal-lost"
}

// GhostRoute is a scheduled route with zero live vehicles.
type GhostRoute struct {
	RouteID        string `json:"route_id"`
	RouteShortName string `json:"route_short_name"`
}

// GhostReport is the full ghost analysis for one snapshot.
type GhostReport struct {
	GhostBuses              []GhostBus   `json:"ghost_buses"`
	GhostRoutes             []GhostRoute `json:"ghost_routes"`
	TotalLiveVehicles       int          `json:"total_live_vehicles"`
	TotalGhostVehicles      int          `json:"total_ghost_vehicles"`
	TotalRoutesWithBuses    int          `json:"total_routes_with_buses"`
	TotalRoutesWithoutBuses int          `json:"total_routes_without_buses"`
	GeneratedAt             string       `json:"generated_at"`
}

// Ghosts classifies every vehicle older than StaleThreshold as signal-lost,
// then diffs the catalog's routes against the routes that still have live
// vehicles to find schedule-only ghosts.
func Ghosts(vehicles []state.Vehicle, cat *catalog.Catalog, now time.Time) GhostReport {
	report := GhostReport{
		GhostBuses:  []GhostBus{},
		GhostRoutes: []GhostRoute{},
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}

	liveRoutes := make(map[string]struct{})
	for _, v := range vehicles {
		age := vehicleAge(v, now)
		if age > StaleThreshold {
			name := v.RouteShortName
			if name == "" {
				name = v.RouteID
			}
			report.GhostBuses = append(report.GhostBuses, GhostBus{
				VehicleID:      v.VehicleID,
				RouteID:        v.RouteID,
				RouteShortName: name,
				LastLatitude:   v.Latitude,
				LastLongitude:  v.Longitude,
				LastSeen:       v.Timestamp,
				StaleSeconds:   int(age.Seconds()),
				GhostType:      "signal-lost",
			})
			continue
		}
		report.TotalLiveVehicles++
		if v.RouteID != "" {
			liveRoutes[v.RouteID] = struct{}{}
		}
	}

	ghostRoutes := []string{}
	for _, rid := range cat.RouteIDs() {
		if _, ok := liveRoutes[rid]; !ok {
			ghostRoutes = append(ghostRoutes, rid)
		}
	}
	sort.Strings(ghostRoutes)
	for _, rid := range ghostRoutes {
		report.GhostRoutes = append(report.GhostRoutes, GhostRoute{
			RouteID:        rid,
			RouteShortName: cat.RouteName(rid),
		})
	}

	report.TotalGhostVehicles = len(report.GhostBuses)
	report.TotalRoutesWithBuses = len(liveRoutes)
	report.TotalRoutesWithoutBuses = len(report.GhostRoutes)
	return report
}

// vehicleAge parses the record timestamp; an unparseable timestamp counts as
// fresh rather than condemning the vehicle.
func vehicleAge(v state.Vehicle, now time.Time) time.Duration {
	ts, err := time.Parse(time.RFC3339, v.Timestamp)
	if err != nil {
		return 0
	}
	return now.Sub(ts)
}
