// Package catalog loads and indexes the static GTFS schedule: routes, trips,
// stops, stop_times, and shapes. The catalog is populated once at startup and
// immutable afterwards, so it is shared without synchronisation.
package catalog

import (
	"math"
	"sort"
)

// Stop is one boarding point from stops.txt.
type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

// ShapePoint is one vertex of a route polyline, ordered by sequence.
type ShapePoint struct {
	Lat float64
	Lon float64
}

// Catalog holds the static schedule indexes.
type Catalog struct {
	routeNames  map[string]string              // route_id → route_short_name
	tripRoutes  map[string]string              // trip_id → route_id
	tripShapes  map[string]string              // trip_id → shape_id
	stops       map[string]Stop                // stop_id → stop
	stopOrder   []string                       // insertion order, for AnyStop
	shapes      map[string][]ShapePoint        // shape_id → ordered polyline
	routeShapes map[string]map[string]struct{} // route_id → shape ids
	routeStops  map[string]map[string]struct{} // route_id → stop ids
}

// New returns an empty catalog. The loader and tests populate it through the
// Add methods.
func New() *Catalog {
	return &Catalog{
		routeNames:  make(map[string]string),
		tripRoutes:  make(map[string]string),
		tripShapes:  make(map[string]string),
		stops:       make(map[string]Stop),
		shapes:      make(map[string][]ShapePoint),
		routeShapes: make(map[string]map[string]struct{}),
		routeStops:  make(map[string]map[string]struct{}),
	}
}

func (c *Catalog) AddRoute(routeID, shortName string) {
	if routeID != "" && shortName != "" {
		c.routeNames[routeID] = shortName
	}
}

func (c *Catalog) AddTrip(tripID, routeID, shapeID string) {
	if tripID == "" || routeID == "" {
		return
	}
	c.tripRoutes[tripID] = routeID
	if shapeID != "" {
		c.tripShapes[tripID] = shapeID
		set, ok := c.routeShapes[routeID]
		if !ok {
			set = make(map[string]struct{})
			c.routeShapes[routeID] = set
		}
		set[shapeID] = struct{}{}
	}
}

func (c *Catalog) AddStop(s Stop) {
	if s.ID == "" {
		return
	}
	if _, ok := c.stops[s.ID]; !ok {
		c.stopOrder = append(c.stopOrder, s.ID)
	}
	c.stops[s.ID] = s
}

func (c *Catalog) AddShapePoint(shapeID string, p ShapePoint) {
	if shapeID != "" {
		c.shapes[shapeID] = append(c.shapes[shapeID], p)
	}
}

// AddStopTime records the trip→stop association; the route→stop index is the
// join through trips.txt.
func (c *Catalog) AddStopTime(tripID, stopID string) {
	routeID, ok := c.tripRoutes[tripID]
	if !ok || stopID == "" {
		return
	}
	set, ok := c.routeStops[routeID]
	if !ok {
		set = make(map[string]struct{})
		c.routeStops[routeID] = set
	}
	set[stopID] = struct{}{}
}

// RouteName resolves an internal route id to its short name, falling back to
// the raw id when the feed never named it.
func (c *Catalog) RouteName(routeID string) string {
	if name, ok := c.routeNames[routeID]; ok {
		return name
	}
	return routeID
}

// RouteNameByTrip resolves trip_id → route_id → short name. Returns "" when
// the trip is unknown.
func (c *Catalog) RouteNameByTrip(tripID string) string {
	routeID, ok := c.tripRoutes[tripID]
	if !ok {
		return ""
	}
	return c.RouteName(routeID)
}

// Route returns a route's short name and whether the feed knows the id.
func (c *Catalog) Route(routeID string) (string, bool) {
	name, ok := c.routeNames[routeID]
	return name, ok
}

// RouteIDs returns every known route id, sorted.
func (c *Catalog) RouteIDs() []string {
	ids := make([]string, 0, len(c.routeNames))
	for id := range c.routeNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RouteStopIDs returns the stops served by a route (via the stop_times join).
func (c *Catalog) RouteStopIDs(routeID string) []string {
	set := c.routeStops[routeID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop returns a stop by id.
func (c *Catalog) Stop(stopID string) (Stop, bool) {
	s, ok := c.stops[stopID]
	return s, ok
}

// AnyStop returns the first loaded stop, used as a representative coordinate
// when nothing better is known.
func (c *Catalog) AnyStop() (Stop, bool) {
	if len(c.stopOrder) == 0 {
		return Stop{}, false
	}
	return c.stops[c.stopOrder[0]], true
}

// NearestStop scans all stops for the one closest to (lat, lon).
func (c *Catalog) NearestStop(lat, lon float64) (Stop, float64, bool) {
	var best Stop
	bestDist := math.Inf(1)
	found := false
	for _, id := range c.stopOrder {
		s := c.stops[id]
		d := Haversine(lat, lon, s.Lat, s.Lon)
		if d < bestDist {
			bestDist = d
			best = s
			found = true
		}
	}
	return best, bestDist, found
}

// RepresentativeShape returns the densest polyline among the shapes a route's
// trips reference, or nil when the route has none.
func (c *Catalog) RepresentativeShape(routeID string) []ShapePoint {
	var best []ShapePoint
	for shapeID := range c.routeShapes[routeID] {
		if pts := c.shapes[shapeID]; len(pts) > len(best) {
			best = pts
		}
	}
	return best
}

func (c *Catalog) NumRoutes() int { return len(c.routeNames) }
func (c *Catalog) NumTrips() int  { return len(c.tripRoutes) }
func (c *Catalog) NumStops() int  { return len(c.stops) }

const earthRadiusM = 6371000

// Haversine returns the great-circle distance between two WGS84 points in
// meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
