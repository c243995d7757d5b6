package api

import (
	"net/http"
)

// GeoJSON endpoints serve bare FeatureCollections so map clients can load
// them directly, without the envelope.

func (s *Server) handleRoutesGeoJSON(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Catalog.RouteShapesGeoJSON())
}

func (s *Server) handleStopsGeoJSON(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Catalog.StopsGeoJSON())
}
