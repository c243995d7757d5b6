package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/config"
	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/health"
	"github.com/snarg/busiq/internal/ops"
	"github.com/snarg/busiq/internal/predict"
	"github.com/snarg/busiq/internal/state"
)

func newTestServer(t *testing.T, cat *catalog.Catalog) (*Server, *state.MemoryStore) {
	t.Helper()
	m := state.NewMemory()
	crowdSvc := crowd.NewService(m, zerolog.Nop())
	cfg := &config.Config{
		HTTPAddr:     ":0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  5 * time.Second,
	}
	srv := NewServer(cfg, Deps{
		Store:     m,
		Catalog:   cat,
		Crowd:     crowdSvc,
		Engine:    ops.NewEngine(m, cat, crowdSvc, zerolog.Nop()),
		Health:    health.NewScorer(m, cat, crowdSvc, zerolog.Nop()),
		StatsPath: filepath.Join(t.TempDir(), "stats.jsonl"),
		Version:   "test",
		StartTime: time.Now(),
	}, zerolog.Nop())
	return srv, m
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
		Meta Meta            `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	if env.Meta.Version != "1.0" || env.Meta.Timestamp == "" {
		t.Errorf("meta = %+v", env.Meta)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func seedFleet(t *testing.T, m *state.MemoryStore, vehicles ...state.Vehicle) {
	t.Helper()
	if _, err := state.WriteFleet(context.Background(), m, vehicles, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func liveVehicle(id, route string, lat, lon float64) state.Vehicle {
	return state.Vehicle{
		VehicleID:      id,
		RouteID:        route,
		RouteShortName: route,
		Latitude:       lat,
		Longitude:      lon,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

func TestBusesEndpoints(t *testing.T) {
	srv, m := newTestServer(t, catalog.New())
	seedFleet(t, m,
		liveVehicle("V1", "R1", 53.35, -6.26),
		liveVehicle("V2", "R2", 53.36, -6.27),
	)

	t.Run("list", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/buses", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var data FleetResponse
		decodeEnvelope(t, rec, &data)
		if data.Count != 2 || len(data.Buses) != 2 {
			t.Errorf("count = %d, buses = %d", data.Count, len(data.Buses))
		}
		if data.Timestamp == "" {
			t.Error("timestamp missing")
		}
	})

	t.Run("single", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/buses/V1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var v state.Vehicle
		decodeEnvelope(t, rec, &v)
		if v.VehicleID != "V1" || v.RouteID != "R1" {
			t.Errorf("vehicle = %+v", v)
		}
	})

	t.Run("missing_is_404", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/buses/NOPE", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestPredictionEndpoints(t *testing.T) {
	cat := catalog.New()
	cat.AddRoute("R1", "1")
	cat.AddRoute("R2", "2")
	srv, m := newTestServer(t, cat)

	// R1 has two buses ~24m apart; R2 has no live bus at all.
	seedFleet(t, m,
		liveVehicle("A", "R1", 53.3500, -6.2600),
		liveVehicle("B", "R1", 53.3502, -6.2601),
	)

	t.Run("ghosts", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/predictions/ghosts", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var data struct {
			GhostRoutes []struct {
				RouteID string `json:"route_id"`
			} `json:"ghost_routes"`
			TotalRoutesWithBuses int `json:"total_routes_with_buses"`
		}
		decodeEnvelope(t, rec, &data)
		if len(data.GhostRoutes) != 1 || data.GhostRoutes[0].RouteID != "R2" {
			t.Errorf("ghost routes = %+v", data.GhostRoutes)
		}
		if data.TotalRoutesWithBuses != 1 {
			t.Errorf("routes with buses = %d", data.TotalRoutesWithBuses)
		}
	})

	t.Run("bunching", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/predictions/bunching", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var data struct {
			Alerts []struct {
				Severity       string  `json:"severity"`
				WorstDistanceM float64 `json:"worst_distance_m"`
			} `json:"alerts"`
			TotalPairs int `json:"total_pairs"`
		}
		decodeEnvelope(t, rec, &data)
		if data.TotalPairs != 1 || len(data.Alerts) != 1 {
			t.Fatalf("bunching = %+v", data)
		}
		if data.Alerts[0].Severity != "severe" || data.Alerts[0].WorstDistanceM >= 30 {
			t.Errorf("alert = %+v", data.Alerts[0])
		}
	})
}

func TestCrowdingEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, catalog.New())

	t.Run("report_then_read_back", func(t *testing.T) {
		body := `{"vehicle_id":"V1","route_id":"R1","route_short_name":"39A","crowding_level":"full","latitude":53.35,"longitude":-6.26}`
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/crowding/report", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
		}
		var report crowd.Report
		decodeEnvelope(t, rec, &report)
		if report.VehicleID != "V1" || report.CrowdingLevel != "full" || report.ID == "" {
			t.Errorf("report = %+v", report)
		}

		rec = doRequest(t, srv, http.MethodGet, "/api/v1/crowding/recent?limit=10", "")
		var data struct {
			Reports []crowd.Report `json:"reports"`
			Count   int            `json:"count"`
		}
		decodeEnvelope(t, rec, &data)
		if data.Count != 1 || data.Reports[0].VehicleID != "V1" {
			t.Errorf("recent = %+v", data)
		}

		rec = doRequest(t, srv, http.MethodGet, "/api/v1/crowding/vehicle/V1", "")
		var latest crowd.Report
		decodeEnvelope(t, rec, &latest)
		if latest.VehicleID != "V1" {
			t.Errorf("vehicle latest = %+v", latest)
		}

		rec = doRequest(t, srv, http.MethodGet, "/api/v1/crowding/snapshot", "")
		var snap crowd.Snapshot
		decodeEnvelope(t, rec, &snap)
		if snap.TotalReports != 1 || len(snap.RouteSummaries) != 1 {
			t.Errorf("snapshot = %+v", snap)
		}
	})

	t.Run("invalid_level_rejected", func(t *testing.T) {
		body := `{"vehicle_id":"V1","crowding_level":"sardines"}`
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/crowding/report", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		// The message must name the levels Submit actually accepts.
		for _, level := range []string{"empty", "seats", "standing", "full"} {
			if !strings.Contains(rec.Body.String(), level) {
				t.Errorf("error message missing accepted level %q: %s", level, rec.Body.String())
			}
		}
		if strings.Contains(rec.Body.String(), "seats_available") {
			t.Errorf("error message names a level Submit rejects: %s", rec.Body.String())
		}
	})

	t.Run("missing_vehicle_rejected", func(t *testing.T) {
		body := `{"crowding_level":"full"}`
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/crowding/report", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("limit_bounds", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=101", "limit=abc"} {
			rec := doRequest(t, srv, http.MethodGet, "/api/v1/crowding/recent?"+q, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, rec.Code)
			}
		}
	})

	t.Run("unknown_vehicle_is_null", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/crowding/vehicle/NOPE", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"data":null`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})
}

func TestInterventionEndpoints(t *testing.T) {
	cat := catalog.New()
	cat.AddRoute("R1", "1")
	srv, m := newTestServer(t, cat)

	// A tight pair on R1 guarantees at least one HOLD.
	seedFleet(t, m,
		liveVehicle("A", "R1", 53.3500, -6.2600),
		liveVehicle("B", "R1", 53.3501, -6.2600),
	)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/ops/interventions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var data InterventionsResponse
	decodeEnvelope(t, rec, &data)
	if data.Count == 0 {
		t.Fatal("expected generated interventions for a bunched pair")
	}
	if len(data.ByType[ops.TypeHold]) == 0 {
		t.Errorf("by_type = %+v, want a hold", data.ByType)
	}
	if data.Summary.PassengersAffected == 0 {
		t.Errorf("summary = %+v", data.Summary)
	}

	id := data.Interventions[0].ID

	t.Run("action_lifecycle", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/ops/interventions/"+id, `{"action":"approve"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
		}
		var updated ops.Intervention
		decodeEnvelope(t, rec, &updated)
		if updated.Status != "approved" || updated.ActionedAt == "" {
			t.Errorf("updated = %+v", updated)
		}

		rec = doRequest(t, srv, http.MethodGet, "/api/v1/ops/interventions/history", "")
		var hist struct {
			History []ops.Intervention `json:"history"`
			Count   int                `json:"count"`
		}
		decodeEnvelope(t, rec, &hist)
		if hist.Count != 1 || hist.History[0].ID != id {
			t.Errorf("history = %+v", hist)
		}
	})

	t.Run("unknown_action_rejected", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/ops/interventions/"+id, `{"action":"escalate"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown_id_is_404", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/ops/interventions/ffffffff", `{"action":"dismiss"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestNetworkHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, catalog.New())

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/ops/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report health.Report
	decodeEnvelope(t, rec, &report)
	if report.Grade == "" || len(report.Components) != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestGeoJSONEndpoints(t *testing.T) {
	cat := catalog.New()
	cat.AddRoute("R1", "39A")
	cat.AddStop(catalog.Stop{ID: "S1", Name: "Quay", Lat: 53.347, Lon: -6.259})
	cat.AddTrip("T1", "R1", "SH1")
	cat.AddShapePoint("SH1", catalog.ShapePoint{Lat: 53.34, Lon: -6.26})
	cat.AddShapePoint("SH1", catalog.ShapePoint{Lat: 53.35, Lon: -6.25})
	srv, _ := newTestServer(t, cat)

	t.Run("stops", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/stops/geojson", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		// Bare FeatureCollection, not enveloped.
		var fc struct {
			Type     string `json:"type"`
			Features []struct {
				Geometry struct {
					Type        string     `json:"type"`
					Coordinates [2]float64 `json:"coordinates"`
				} `json:"geometry"`
			} `json:"features"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &fc); err != nil {
			t.Fatal(err)
		}
		if fc.Type != "FeatureCollection" || len(fc.Features) != 1 {
			t.Fatalf("fc = %+v", fc)
		}
		coords := fc.Features[0].Geometry.Coordinates
		if coords[0] != -6.259 || coords[1] != 53.347 {
			t.Errorf("coordinates = %v, want [lon lat]", coords)
		}
	})

	t.Run("routes", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes/geojson", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var fc struct {
			Type     string `json:"type"`
			Features []struct {
				Geometry struct {
					Type string `json:"type"`
				} `json:"geometry"`
			} `json:"features"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &fc); err != nil {
			t.Fatal(err)
		}
		if len(fc.Features) != 1 || fc.Features[0].Geometry.Type != "LineString" {
			t.Errorf("fc = %+v", fc)
		}
	})
}

func TestStatsSummaryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, catalog.New())

	// No stats file yet: an empty summary, not an error.
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/stats/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var data struct {
		Snapshots int `json:"snapshots"`
	}
	decodeEnvelope(t, rec, &data)
	if data.Snapshots != 0 {
		t.Errorf("snapshots = %d", data.Snapshots)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv, m := newTestServer(t, catalog.New())

	t.Run("no_fleet_is_degraded", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp HealthzResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "degraded" || resp.Checks["store"] != "ok" || resp.Checks["fleet"] != "no_data" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("fresh_fleet_is_healthy", func(t *testing.T) {
		seedFleet(t, m, liveVehicle("V1", "R1", 53.35, -6.26))
		rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
		var resp HealthzResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "healthy" || resp.FleetAgeSeconds == nil {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, catalog.New())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/buses", nil)
	req.Header.Set("Origin", "https://map.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func routesCatalog() *catalog.Catalog {
	cat := catalog.New()
	cat.AddRoute("R1", "39A")
	cat.AddRoute("R2", "145")
	cat.AddTrip("T1", "R1", "S1")
	cat.AddStop(catalog.Stop{ID: "stopA", Name: "Quay A", Lat: 53.35, Lon: -6.26})
	cat.AddStop(catalog.Stop{ID: "stopB", Name: "Quay B", Lat: 53.36, Lon: -6.27})
	cat.AddStopTime("T1", "stopA")
	cat.AddStopTime("T1", "stopB")
	cat.AddShapePoint("S1", catalog.ShapePoint{Lat: 53.35, Lon: -6.26})
	cat.AddShapePoint("S1", catalog.ShapePoint{Lat: 53.36, Lon: -6.27})
	return cat
}

func TestRouteEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, routesCatalog())

	t.Run("list", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var data struct {
			Routes []RouteSummary `json:"routes"`
			Count  int            `json:"count"`
		}
		decodeEnvelope(t, rec, &data)
		if data.Count != 2 || len(data.Routes) != 2 {
			t.Fatalf("routes = %+v", data)
		}
		// Sorted by route id.
		if data.Routes[0].RouteID != "R1" || data.Routes[0].RouteShortName != "39A" {
			t.Errorf("first route = %+v", data.Routes[0])
		}
		if data.Routes[0].StopCount != 2 || data.Routes[1].StopCount != 0 {
			t.Errorf("stop counts = %d/%d", data.Routes[0].StopCount, data.Routes[1].StopCount)
		}
	})

	t.Run("detail", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes/R1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var detail RouteDetail
		decodeEnvelope(t, rec, &detail)
		if detail.RouteShortName != "39A" || detail.StopCount != 2 {
			t.Errorf("detail = %+v", detail)
		}
		if len(detail.Shape) != 2 || detail.Shape[0] != [2]float64{-6.26, 53.35} {
			t.Errorf("shape = %+v", detail.Shape)
		}
	})

	t.Run("detail_without_shape", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes/R2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var detail RouteDetail
		decodeEnvelope(t, rec, &detail)
		if len(detail.Shape) != 0 {
			t.Errorf("shape = %+v, want empty", detail.Shape)
		}
	})

	t.Run("stops", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes/R1/stops", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var data struct {
			RouteID string      `json:"route_id"`
			Stops   []RouteStop `json:"stops"`
			Count   int         `json:"count"`
		}
		decodeEnvelope(t, rec, &data)
		if data.RouteID != "R1" || data.Count != 2 {
			t.Fatalf("data = %+v", data)
		}
		if data.Stops[0].StopID != "stopA" || data.Stops[0].StopName != "Quay A" {
			t.Errorf("first stop = %+v", data.Stops[0])
		}
	})

	t.Run("unknown_route_is_404", func(t *testing.T) {
		for _, path := range []string{"/api/v1/routes/NOPE", "/api/v1/routes/NOPE/stops"} {
			rec := doRequest(t, srv, http.MethodGet, path, "")
			if rec.Code != http.StatusNotFound {
				t.Errorf("%s: status = %d, want 404", path, rec.Code)
			}
		}
	})

	t.Run("geojson_still_routed", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/routes/geojson", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "FeatureCollection") {
			t.Errorf("body = %s", rec.Body.String())
		}
	})
}

func TestStopETAEndpoint(t *testing.T) {
	cat := routesCatalog()
	srv, m := newTestServer(t, cat)
	seedFleet(t, m,
		liveVehicle("V1", "R1", 53.37, -6.26),
		liveVehicle("V2", "R2", 53.40, -6.26),
	)

	t.Run("arrivals_for_stop", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/predictions/eta/stopA", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var fc predict.StopForecast
		decodeEnvelope(t, rec, &fc)
		if fc.StopID != "stopA" || fc.StopName != "Quay A" {
			t.Fatalf("forecast = %+v", fc)
		}
		if len(fc.Predictions) != 2 {
			t.Fatalf("predictions = %d, want 2", len(fc.Predictions))
		}
		// V1 is nearer, so it sorts first.
		if fc.Predictions[0].VehicleID != "V1" {
			t.Errorf("first = %+v", fc.Predictions[0])
		}
		if fc.Predictions[0].ETAMinutes <= 0 || fc.Predictions[0].Confidence < 0.1 {
			t.Errorf("prediction = %+v", fc.Predictions[0])
		}
	})

	t.Run("route_filter", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/predictions/eta/stopA?route_id=R2", "")
		var fc predict.StopForecast
		decodeEnvelope(t, rec, &fc)
		if len(fc.Predictions) != 1 || fc.Predictions[0].VehicleID != "V2" {
			t.Errorf("predictions = %+v", fc.Predictions)
		}
	})

	t.Run("unknown_stop_is_empty_not_error", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/predictions/eta/NOPE", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var fc predict.StopForecast
		decodeEnvelope(t, rec, &fc)
		if fc.StopName != "Unknown" || len(fc.Predictions) != 0 {
			t.Errorf("forecast = %+v", fc)
		}
	})
}
