package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/busiq/internal/catalog"
)

// RouteSummary is one row of the route listing.
type RouteSummary struct {
	RouteID        string `json:"route_id"`
	RouteShortName string `json:"route_short_name"`
	StopCount      int    `json:"stop_count"`
}

// RouteDetail is a single route with its representative shape geometry.
type RouteDetail struct {
	RouteID        string       `json:"route_id"`
	RouteShortName string       `json:"route_short_name"`
	StopCount      int          `json:"stop_count"`
	Shape          [][2]float64 `json:"shape"` // [lon, lat] pairs
}

// RouteStop is one stop on a route.
type RouteStop struct {
	StopID    string  `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	cat := s.deps.Catalog
	routes := make([]RouteSummary, 0, cat.NumRoutes())
	for _, id := range cat.RouteIDs() {
		routes = append(routes, RouteSummary{
			RouteID:        id,
			RouteShortName: cat.RouteName(id),
			StopCount:      len(cat.RouteStopIDs(id)),
		})
	}
	WriteData(w, http.StatusOK, map[string]any{
		"routes": routes,
		"count":  len(routes),
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cat := s.deps.Catalog
	name, ok := cat.Route(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown route")
		return
	}

	shape := cat.RepresentativeShape(id)
	coords := make([][2]float64, len(shape))
	for i, p := range shape {
		coords[i] = [2]float64{p.Lon, p.Lat}
	}
	WriteData(w, http.StatusOK, RouteDetail{
		RouteID:        id,
		RouteShortName: name,
		StopCount:      len(cat.RouteStopIDs(id)),
		Shape:          coords,
	})
}

func (s *Server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cat := s.deps.Catalog
	if _, ok := cat.Route(id); !ok {
		WriteError(w, http.StatusNotFound, "unknown route")
		return
	}

	ids := cat.RouteStopIDs(id)
	stops := make([]RouteStop, 0, len(ids))
	for _, stopID := range ids {
		st, ok := cat.Stop(stopID)
		if !ok {
			// stop_times referenced a stop the feed never defined
			st = catalog.Stop{ID: stopID}
		}
		stops = append(stops, RouteStop{
			StopID:    st.ID,
			StopName:  st.Name,
			Latitude:  st.Lat,
			Longitude: st.Lon,
		})
	}
	WriteData(w, http.StatusOK, map[string]any{
		"route_id": id,
		"stops":    stops,
		"count":    len(stops),
	})
}
