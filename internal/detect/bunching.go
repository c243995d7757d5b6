package detect

import (
	"math"
	"sort"
	"time"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

// Bunching thresholds in meters. Two same-route buses closer than
// BunchThreshold form a pair; the tighter bands raise the severity.
const (
	BunchThreshold    = 400.0
	ModerateThreshold = 300.0
	SevereThreshold   = 200.0
)

// BunchingPair is two same-route buses running too close together.
type BunchingPair struct {
	VehicleA       string  `json:"vehicle_a"`
	VehicleB       string  `json:"vehicle_b"`
	RouteID        string  `json:"route_id"`
	RouteShortName string  `json:"route_short_name"`
	DistanceM      float64 `json:"distance_m"`
	Severity       string  `json:"severity"` // mild | moderate | severe
	MidpointLat    float64 `json:"midpoint_lat"`
	MidpointLon    float64 `json:"midpoint_lon"`
	VehicleALat    float64 `json:"vehicle_a_lat"`
	VehicleALon    float64 `json:"vehicle_a_lon"`
	VehicleBLat    float64 `json:"vehicle_b_lat"`
	VehicleBLon    float64 `json:"vehicle_b_lon"`
}

// BunchingAlert aggregates the pairs on one route.
type BunchingAlert struct {
	RouteID        string         `json:"route_id"`
	RouteShortName string         `json:"route_short_name"`
	PairCount      int            `json:"pair_count"`
	WorstDistanceM float64        `json:"worst_distance_m"`
	Severity       string         `json:"severity"`
	BunchedPairs   []BunchingPair `json:"bunched_pairs"`
}

// BunchingReport is the network-wide bunching analysis for one snapshot.
type BunchingReport struct {
	Alerts            []BunchingAlert `json:"alerts"`
	TotalPairs        int             `json:"total_pairs"`
	RoutesAffected    int             `json:"routes_affected"`
	TotalLiveVehicles int             `json:"total_live_vehicles"`
	GeneratedAt       string          `json:"generated_at"`
}

// Bunching groups vehicles by route and checks every pair's great-circle
// distance. Pair order follows the vehicle order within the route group, so
// each close pair appears exactly once. Alerts come back severe-first, ties
// broken by worst distance.
func Bunching(vehicles []state.Vehicle, now time.Time) BunchingReport {
	report := BunchingReport{
		Alerts:            []BunchingAlert{},
		TotalLiveVehicles: len(vehicles),
		GeneratedAt:       now.UTC().Format(time.RFC3339),
	}

	groups := make(map[string][]state.Vehicle)
	routeOrder := []string{}
	for _, v := range vehicles {
		if v.RouteID == "" {
			continue
		}
		if _, ok := groups[v.RouteID]; !ok {
			routeOrder = append(routeOrder, v.RouteID)
		}
		groups[v.RouteID] = append(groups[v.RouteID], v)
	}

	for _, routeID := range routeOrder {
		buses := groups[routeID]
		if len(buses) < 2 {
			continue
		}

		var pairs []BunchingPair
		for i := 0; i < len(buses); i++ {
			for j := i + 1; j < len(buses); j++ {
				a, b := buses[i], buses[j]
				dist := catalog.Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
				if dist >= BunchThreshold {
					continue
				}
				name := a.RouteShortName
				if name == "" {
					name = routeID
				}
				pairs = append(pairs, BunchingPair{
					VehicleA:       a.VehicleID,
					VehicleB:       b.VehicleID,
					RouteID:        routeID,
					RouteShortName: name,
					DistanceM:      math.Round(dist*10) / 10,
					Severity:       severityFor(dist),
					MidpointLat:    (a.Latitude + b.Latitude) / 2,
					MidpointLon:    (a.Longitude + b.Longitude) / 2,
					VehicleALat:    a.Latitude,
					VehicleALon:    a.Longitude,
					VehicleBLat:    b.Latitude,
					VehicleBLon:    b.Longitude,
				})
			}
		}
		if len(pairs) == 0 {
			continue
		}

		worst := pairs[0]
		for _, p := range pairs[1:] {
			if p.DistanceM < worst.DistanceM {
				worst = p
			}
		}
		report.Alerts = append(report.Alerts, BunchingAlert{
			RouteID:        routeID,
			RouteShortName: pairs[0].RouteShortName,
			PairCount:      len(pairs),
			WorstDistanceM: worst.DistanceM,
			Severity:       worst.Severity,
			BunchedPairs:   pairs,
		})
		report.TotalPairs += len(pairs)
	}

	sort.SliceStable(report.Alerts, func(i, j int) bool {
		a, b := report.Alerts[i], report.Alerts[j]
		if severityRank(a.Severity) != severityRank(b.Severity) {
			return severityRank(a.Severity) < severityRank(b.Severity)
		}
		return a.WorstDistanceM < b.WorstDistanceM
	})

	report.RoutesAffected = len(report.Alerts)
	return report
}

func severityFor(dist float64) string {
	switch {
	case dist < SevereThreshold:
		return "severe"
	case dist < ModerateThreshold:
		return "moderate"
	default:
		return "mild"
	}
}

func severityRank(s string) int {
	switch s {
	case "severe":
		return 0
	case "moderate":
		return 1
	case "mild":
		return 2
	}
	return 3
}
