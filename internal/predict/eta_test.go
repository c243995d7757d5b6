package predict

import (
	"math"
	"testing"
	"time"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

var testNow = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

const (
	stopLat = 53.35
	stopLon = -6.26
)

func testCatalog() *catalog.Catalog {
	cat := catalog.New()
	cat.AddStop(catalog.Stop{ID: "8220DB000002", Name: "O'Connell St", Lat: stopLat, Lon: stopLon})
	return cat
}

// degNorth converts a distance in km to degrees of latitude, so a vehicle
// placed due south of the stop is exactly that far away on the great circle.
func degNorth(km float64) float64 {
	return km / 6371.0 * 180 / math.Pi
}

func approaching(id, routeID string, kmSouth float64, speedKmh *float64, delay int, age time.Duration) state.Vehicle {
	return state.Vehicle{
		VehicleID:      id,
		RouteID:        routeID,
		RouteShortName: routeID,
		Latitude:       stopLat - degNorth(kmSouth),
		Longitude:      stopLon,
		SpeedKmh:       speedKmh,
		DelaySeconds:   delay,
		Timestamp:      testNow.Add(-age).Format(time.RFC3339),
	}
}

func kmh(v float64) *float64 { return &v }

func TestStopArrivalsBasicETA(t *testing.T) {
	cat := testCatalog()
	vehicles := []state.Vehicle{
		approaching("V1", "R1", 5.0, kmh(30.0), 0, 10*time.Second),
	}

	fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)

	if fc.StopName != "O'Connell St" || fc.Latitude != stopLat {
		t.Fatalf("stop = %+v", fc)
	}
	if len(fc.Predictions) != 1 {
		t.Fatalf("predictions = %d, want 1", len(fc.Predictions))
	}
	p := fc.Predictions[0]
	if p.ETAMinutes != 10.0 {
		t.Errorf("eta = %v min, want 10.0 (5km at 30km/h)", p.ETAMinutes)
	}
	if p.DistanceKm != 5.0 {
		t.Errorf("distance = %v km, want 5.0", p.DistanceKm)
	}
	if p.SpeedKmh != 30.0 {
		t.Errorf("speed = %v, want live 30.0", p.SpeedKmh)
	}
	// 1 - 5/15 with fresh data and live speed.
	if p.Confidence != 0.67 {
		t.Errorf("confidence = %v, want 0.67", p.Confidence)
	}
	// Bus is due south of the stop, so it approaches heading north.
	if p.ApproachBearing != 0.0 {
		t.Errorf("bearing = %v, want 0.0", p.ApproachBearing)
	}
	arrival, err := time.Parse(time.RFC3339, p.PredictedArrival)
	if err != nil {
		t.Fatalf("predicted_arrival = %q: %v", p.PredictedArrival, err)
	}
	want := testNow.Add(10 * time.Minute)
	if d := arrival.Sub(want); d < -time.Second || d > time.Second {
		t.Errorf("predicted_arrival = %s, want ~%s", p.PredictedArrival, want.Format(time.RFC3339))
	}
}

func TestStopArrivalsSpeedFallback(t *testing.T) {
	cat := testCatalog()
	tests := []struct {
		name      string
		speed     *float64
		wantSpeed float64
		wantConf  float64
	}{
		{"no_speed_uses_default_and_lower_confidence", nil, DefaultSpeedKmh, 0.4}, // 0.6667*0.6
		{"crawling_uses_default_but_keeps_confidence", kmh(1.0), DefaultSpeedKmh, 0.67},
		{"zero_speed_uses_default_but_keeps_confidence", kmh(0.0), DefaultSpeedKmh, 0.67},
		{"live_speed_used_as_is", kmh(24.0), 24.0, 0.67},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vehicles := []state.Vehicle{
				approaching("V1", "R1", 5.0, tt.speed, 0, 10*time.Second),
			}
			fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)
			if len(fc.Predictions) != 1 {
				t.Fatalf("predictions = %d, want 1", len(fc.Predictions))
			}
			p := fc.Predictions[0]
			if p.SpeedKmh != tt.wantSpeed {
				t.Errorf("speed = %v, want %v", p.SpeedKmh, tt.wantSpeed)
			}
			if p.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", p.Confidence, tt.wantConf)
			}
		})
	}
}

func TestStopArrivalsDelayPadding(t *testing.T) {
	cat := testCatalog()

	t.Run("over_a_minute_late_pads_eta", func(t *testing.T) {
		// 300s delay adds 300*0.3/60 = 1.5 min on top of the 10 min base.
		vehicles := []state.Vehicle{
			approaching("V1", "R1", 5.0, kmh(30.0), 300, 10*time.Second),
		}
		fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)
		if got := fc.Predictions[0].ETAMinutes; got != 11.5 {
			t.Errorf("eta = %v, want 11.5", got)
		}
	})

	t.Run("under_a_minute_is_ignored", func(t *testing.T) {
		vehicles := []state.Vehicle{
			approaching("V1", "R1", 5.0, kmh(30.0), 60, 10*time.Second),
		}
		fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)
		if got := fc.Predictions[0].ETAMinutes; got != 10.0 {
			t.Errorf("eta = %v, want 10.0", got)
		}
	})
}

func TestStopArrivalsStaleDataLowersConfidence(t *testing.T) {
	cat := testCatalog()
	// 150s old: freshness factor max(0.4, 1-150/300) = 0.5.
	vehicles := []state.Vehicle{
		approaching("V1", "R1", 5.0, kmh(30.0), 0, 150*time.Second),
	}
	fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)
	if got := fc.Predictions[0].Confidence; got != 0.33 {
		t.Errorf("confidence = %v, want 0.33", got)
	}

	t.Run("bad_timestamp_counts_as_fresh", func(t *testing.T) {
		v := approaching("V1", "R1", 5.0, kmh(30.0), 0, 0)
		v.Timestamp = "garbage"
		fc := StopArrivals([]state.Vehicle{v}, cat, "8220DB000002", "", testNow)
		if got := fc.Predictions[0].Confidence; got != 0.67 {
			t.Errorf("confidence = %v, want 0.67", got)
		}
	})
}

func TestStopArrivalsFiltering(t *testing.T) {
	cat := testCatalog()
	vehicles := []state.Vehicle{
		approaching("near", "R1", 2.0, kmh(20.0), 0, 10*time.Second),
		approaching("far", "R1", 20.0, kmh(20.0), 0, 10*time.Second),
		approaching("other-route", "R2", 2.0, kmh(20.0), 0, 10*time.Second),
	}

	t.Run("beyond_approach_radius_excluded", func(t *testing.T) {
		fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)
		for _, p := range fc.Predictions {
			if p.VehicleID == "far" {
				t.Errorf("vehicle 20km out included: %+v", p)
			}
		}
		if len(fc.Predictions) != 2 {
			t.Errorf("predictions = %d, want 2", len(fc.Predictions))
		}
	})

	t.Run("route_filter", func(t *testing.T) {
		fc := StopArrivals(vehicles, cat, "8220DB000002", "R2", testNow)
		if len(fc.Predictions) != 1 || fc.Predictions[0].VehicleID != "other-route" {
			t.Errorf("predictions = %+v", fc.Predictions)
		}
	})
}

func TestStopArrivalsSortedAndCapped(t *testing.T) {
	cat := testCatalog()
	var vehicles []state.Vehicle
	// Insert farthest-first so the sort has work to do.
	for i := 12; i >= 1; i-- {
		vehicles = append(vehicles,
			approaching(string(rune('A'+i-1)), "R1", float64(i), kmh(30.0), 0, 10*time.Second))
	}

	fc := StopArrivals(vehicles, cat, "8220DB000002", "", testNow)

	if len(fc.Predictions) != 10 {
		t.Fatalf("predictions = %d, want cap of 10", len(fc.Predictions))
	}
	if fc.Predictions[0].VehicleID != "A" {
		t.Errorf("first = %s, want nearest vehicle A", fc.Predictions[0].VehicleID)
	}
	for i := 1; i < len(fc.Predictions); i++ {
		if fc.Predictions[i].ETAMinutes < fc.Predictions[i-1].ETAMinutes {
			t.Fatalf("predictions not sorted by eta at %d: %+v", i, fc.Predictions)
		}
	}
}

func TestStopArrivalsUnknownStop(t *testing.T) {
	fc := StopArrivals([]state.Vehicle{approaching("V1", "R1", 2, nil, 0, 0)},
		testCatalog(), "nope", "", testNow)
	if fc.StopName != "Unknown" || fc.Latitude != 0 || fc.Longitude != 0 {
		t.Errorf("forecast = %+v", fc)
	}
	if len(fc.Predictions) != 0 {
		t.Errorf("predictions = %d, want 0 for unknown stop", len(fc.Predictions))
	}
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"due_north", 53.0, -6.26, 54.0, -6.26, 0},
		{"due_south", 54.0, -6.26, 53.0, -6.26, 180},
		{"roughly_east", 53.35, -6.30, 53.35, -6.20, 90},
		{"roughly_west", 53.35, -6.20, 53.35, -6.30, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("bearing = %v, want ~%v", got, tt.want)
			}
		})
	}
}
