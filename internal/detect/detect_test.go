package detect

import (
	"testing"
	"time"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

var testNow = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func vehicleAt(id, routeID string, lat, lon float64, age time.Duration) state.Vehicle {
	return state.Vehicle{
		VehicleID:      id,
		RouteID:        routeID,
		RouteShortName: routeID,
		Latitude:       lat,
		Longitude:      lon,
		Timestamp:      testNow.Add(-age).Format(time.RFC3339),
	}
}

func TestGhostsSignalLost(t *testing.T) {
	cat := catalog.New()
	vehicles := []state.Vehicle{
		vehicleAt("fresh", "R1", 53.35, -6.26, 30*time.Second),
		vehicleAt("boundary", "R1", 53.35, -6.26, 120*time.Second),
		vehicleAt("stale", "R2", 53.36, -6.27, 150*time.Second),
	}

	report := Ghosts(vehicles, cat, testNow)

	if report.TotalGhostVehicles != 1 {
		t.Fatalf("ghost vehicles = %d, want 1 (120s exactly is not stale)", report.TotalGhostVehicles)
	}
	g := report.GhostBuses[0]
	if g.VehicleID != "stale" || g.GhostType != "signal-lost" {
		t.Errorf("ghost = %+v", g)
	}
	if g.StaleSeconds != 150 {
		t.Errorf("stale_seconds = %d, want 150", g.StaleSeconds)
	}
	if report.TotalLiveVehicles != 2 {
		t.Errorf("live = %d, want 2", report.TotalLiveVehicles)
	}
}

func TestGhostsScheduleOnlyRoutes(t *testing.T) {
	cat := catalog.New()
	cat.AddRoute("R1", "1")
	cat.AddRoute("R2", "2")
	cat.AddRoute("R3", "3")

	vehicles := []state.Vehicle{
		vehicleAt("V1", "R1", 53.35, -6.26, 10*time.Second),
	}

	report := Ghosts(vehicles, cat, testNow)

	if len(report.GhostRoutes) != 2 {
		t.Fatalf("ghost routes = %d, want 2", len(report.GhostRoutes))
	}
	// Lexical order.
	if report.GhostRoutes[0].RouteID != "R2" || report.GhostRoutes[1].RouteID != "R3" {
		t.Errorf("ghost routes = %+v", report.GhostRoutes)
	}
	if report.TotalRoutesWithBuses != 1 || report.TotalRoutesWithoutBuses != 2 {
		t.Errorf("route totals = %d/%d", report.TotalRoutesWithBuses, report.TotalRoutesWithoutBuses)
	}

	t.Run("stale_vehicle_does_not_keep_route_alive", func(t *testing.T) {
		vehicles := []state.Vehicle{
			vehicleAt("V1", "R1", 53.35, -6.26, 10*time.Minute),
		}
		report := Ghosts(vehicles, cat, testNow)
		if report.TotalRoutesWithBuses != 0 || len(report.GhostRoutes) != 3 {
			t.Errorf("routes with buses = %d, ghost routes = %d",
				report.TotalRoutesWithBuses, len(report.GhostRoutes))
		}
	})
}

func TestGhostsBadTimestampCountsAsFresh(t *testing.T) {
	cat := catalog.New()
	v := state.Vehicle{VehicleID: "V1", RouteID: "R1", Timestamp: "garbage"}
	report := Ghosts([]state.Vehicle{v}, cat, testNow)
	if report.TotalGhostVehicles != 0 || report.TotalLiveVehicles != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestBunchingSingleTightPair(t *testing.T) {
	// Two buses ~24m apart plus one far away on the same route.
	vehicles := []state.Vehicle{
		vehicleAt("A", "R", 53.3500, -6.2600, 0),
		vehicleAt("B", "R", 53.3502, -6.2601, 0),
		vehicleAt("C", "R", 53.3700, -6.2500, 0),
	}

	report := Bunching(vehicles, testNow)

	if len(report.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(report.Alerts))
	}
	alert := report.Alerts[0]
	if alert.PairCount != 1 || alert.Severity != "severe" {
		t.Fatalf("alert = %+v", alert)
	}
	if alert.WorstDistanceM >= 30 {
		t.Errorf("worst distance = %v, want < 30", alert.WorstDistanceM)
	}
	pair := alert.BunchedPairs[0]
	if pair.VehicleA != "A" || pair.VehicleB != "B" {
		t.Errorf("pair order = %s/%s, want A/B", pair.VehicleA, pair.VehicleB)
	}
	if report.TotalPairs != 1 || report.RoutesAffected != 1 || report.TotalLiveVehicles != 3 {
		t.Errorf("totals = %+v", report)
	}
}

func TestBunchingSeverityBands(t *testing.T) {
	tests := []struct {
		name string
		dist float64
		want string
	}{
		{"severe_under_200", 150, "severe"},
		{"moderate_200_to_300", 250, "moderate"},
		{"mild_300_to_400", 350, "mild"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := severityFor(tt.dist); got != tt.want {
				t.Errorf("severityFor(%v) = %q, want %q", tt.dist, got, tt.want)
			}
		})
	}
}

func TestBunchingDifferentRoutesNotPaired(t *testing.T) {
	vehicles := []state.Vehicle{
		vehicleAt("A", "R1", 53.3500, -6.2600, 0),
		vehicleAt("B", "R2", 53.3500, -6.2600, 0),
	}
	report := Bunching(vehicles, testNow)
	if report.TotalPairs != 0 {
		t.Errorf("pairs = %d, want 0 across routes", report.TotalPairs)
	}
}

func TestBunchingEmptyRouteIDSkipped(t *testing.T) {
	vehicles := []state.Vehicle{
		vehicleAt("A", "", 53.3500, -6.2600, 0),
		vehicleAt("B", "", 53.3500, -6.2600, 0),
	}
	report := Bunching(vehicles, testNow)
	if report.TotalPairs != 0 {
		t.Errorf("pairs = %d, want 0 for empty route ids", report.TotalPairs)
	}
}

func TestBunchingAlertOrdering(t *testing.T) {
	// R1 has a mild pair (~350m), R2 a severe pair (~24m). Severe sorts first.
	vehicles := []state.Vehicle{
		vehicleAt("A", "R1", 53.3500, -6.2600, 0),
		vehicleAt("B", "R1", 53.35315, -6.2600, 0),
		vehicleAt("C", "R2", 53.3500, -6.2600, 0),
		vehicleAt("D", "R2", 53.3502, -6.2601, 0),
	}

	report := Bunching(vehicles, testNow)
	if len(report.Alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(report.Alerts))
	}
	if report.Alerts[0].RouteID != "R2" || report.Alerts[0].Severity != "severe" {
		t.Errorf("first alert = %+v, want severe R2", report.Alerts[0])
	}
	if report.Alerts[1].RouteID != "R1" || report.Alerts[1].Severity != "mild" {
		t.Errorf("second alert = %+v, want mild R1", report.Alerts[1])
	}
}
