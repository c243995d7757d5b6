package catalog

// GeoJSON projections of the static catalog, served by the routes and stops
// endpoints. Coordinates follow the GeoJSON convention of [lon, lat].

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// RouteShapesGeoJSON renders one LineString per route, using the densest
// shape among the route's trips. Routes without a shape are omitted.
func (c *Catalog) RouteShapesGeoJSON() FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, routeID := range c.RouteIDs() {
		pts := c.RepresentativeShape(routeID)
		if len(pts) == 0 {
			continue
		}
		coords := make([][2]float64, len(pts))
		for i, p := range pts {
			coords[i] = [2]float64{p.Lon, p.Lat}
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "LineString", Coordinates: coords},
			Properties: map[string]any{
				"route_id":         routeID,
				"route_short_name": c.RouteName(routeID),
			},
		})
	}
	return fc
}

// StopsGeoJSON renders every stop as a Point feature.
func (c *Catalog) StopsGeoJSON() FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, id := range c.stopOrder {
		s := c.stops[id]
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "Point", Coordinates: [2]float64{s.Lon, s.Lat}},
			Properties: map[string]any{
				"stop_id":   s.ID,
				"stop_name": s.Name,
			},
		})
	}
	return fc
}
