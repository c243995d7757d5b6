// Package predict estimates upcoming arrivals at a stop from live vehicle
// positions. Pure geometry and heuristics, no schedule lookahead: distance to
// the stop over current (or assumed) speed, padded when the bus is already
// running late.
package predict

import (
	"math"
	"sort"
	"time"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

const (
	// DefaultSpeedKmh is the assumed city average when a vehicle reports no
	// usable speed.
	DefaultSpeedKmh = 15.0

	// MaxApproachKm is how far out a bus still counts as approaching a stop.
	MaxApproachKm = 15.0

	// maxArrivals caps the predictions returned per stop.
	maxArrivals = 10
)

// Arrival is one predicted bus arrival at a stop.
type Arrival struct {
	VehicleID           string  `json:"vehicle_id"`
	RouteID             string  `json:"route_id"`
	RouteShortName      string  `json:"route_short_name"`
	PredictedArrival    string  `json:"predicted_arrival"`
	ETAMinutes          float64 `json:"eta_minutes"`
	DistanceKm          float64 `json:"distance_km"`
	Confidence          float64 `json:"confidence"`
	CurrentDelaySeconds int     `json:"current_delay_seconds"`
	SpeedKmh            float64 `json:"speed_kmh"`
	ApproachBearing     float64 `json:"approach_bearing"`
}

// StopForecast is every predicted arrival at one stop, nearest first.
type StopForecast struct {
	StopID      string    `json:"stop_id"`
	StopName    string    `json:"stop_name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Predictions []Arrival `json:"predictions"`
	GeneratedAt string    `json:"generated_at"`
}

// StopArrivals predicts arrivals at stopID from the live fleet. routeID, when
// non-empty, filters to a single route. An unknown stop yields an empty
// forecast named "Unknown" rather than an error, so clients can render it.
func StopArrivals(vehicles []state.Vehicle, cat *catalog.Catalog, stopID, routeID string, now time.Time) StopForecast {
	forecast := StopForecast{
		StopID:      stopID,
		StopName:    "Unknown",
		Predictions: []Arrival{},
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}

	stop, ok := cat.Stop(stopID)
	if !ok {
		return forecast
	}
	forecast.StopName = stop.Name
	forecast.Latitude = stop.Lat
	forecast.Longitude = stop.Lon

	for _, v := range vehicles {
		if routeID != "" && v.RouteID != routeID {
			continue
		}

		distKm := catalog.Haversine(v.Latitude, v.Longitude, stop.Lat, stop.Lon) / 1000
		if distKm > MaxApproachKm {
			continue
		}

		// Stationary or unreported speed would blow the ETA up; assume the
		// city average instead.
		speed := DefaultSpeedKmh
		if v.SpeedKmh != nil && *v.SpeedKmh >= 2.0 {
			speed = *v.SpeedKmh
		}

		etaMinutes := distKm / speed * 60

		// A bus already running late tends to stay late; pad with 30% of the
		// current delay.
		if v.DelaySeconds > 60 {
			etaMinutes += float64(v.DelaySeconds) * 0.3 / 60
		}

		confidence := maxf(0.3, 1-distKm/MaxApproachKm)
		if v.SpeedKmh == nil {
			confidence *= 0.6
		}
		if ts, err := time.Parse(time.RFC3339, v.Timestamp); err == nil {
			if age := now.Sub(ts).Seconds(); age > 60 {
				confidence *= maxf(0.4, 1-age/300)
			}
		}
		confidence = math.Round(math.Min(1.0, maxf(0.1, confidence))*100) / 100

		forecast.Predictions = append(forecast.Predictions, Arrival{
			VehicleID:           v.VehicleID,
			RouteID:             v.RouteID,
			RouteShortName:      v.RouteShortName,
			PredictedArrival:    now.Add(time.Duration(etaMinutes * float64(time.Minute))).UTC().Format(time.RFC3339),
			ETAMinutes:          math.Round(etaMinutes*10) / 10,
			DistanceKm:          math.Round(distKm*100) / 100,
			Confidence:          confidence,
			CurrentDelaySeconds: v.DelaySeconds,
			SpeedKmh:            math.Round(speed*10) / 10,
			ApproachBearing:     math.Round(bearing(v.Latitude, v.Longitude, stop.Lat, stop.Lon)*10) / 10,
		})
	}

	sort.SliceStable(forecast.Predictions, func(i, j int) bool {
		return forecast.Predictions[i].ETAMinutes < forecast.Predictions[j].ETAMinutes
	})
	if len(forecast.Predictions) > maxArrivals {
		forecast.Predictions = forecast.Predictions[:maxArrivals]
	}
	return forecast
}

// bearing returns the initial great-circle bearing from point 1 to point 2 in
// degrees, normalised to [0, 360).
func bearing(lat1, lon1, lat2, lon2 float64) float64 {
	dLambda := (lon2 - lon1) * math.Pi / 180
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	x := math.Sin(dLambda) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(x, y) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
