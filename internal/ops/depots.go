package ops

import "github.com/snarg/busiq/internal/catalog"

// Depot is a garage that can source standby vehicles.
type Depot struct {
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Capacity int     `json:"capacity"`
}

// depots is the Dublin Bus garage network.
var depots = []Depot{
	{Name: "Broadstone", Lat: 53.3555, Lon: -6.2729, Capacity: 180},
	{Name: "Summerhill", Lat: 53.3515, Lon: -6.2520, Capacity: 80},
	{Name: "Ringsend", Lat: 53.3385, Lon: -6.2272, Capacity: 140},
	{Name: "Donnybrook", Lat: 53.3217, Lon: -6.2385, Capacity: 100},
	{Name: "Conyngham Road", Lat: 53.3475, Lon: -6.3060, Capacity: 120},
	{Name: "Phibsborough", Lat: 53.3603, Lon: -6.2726, Capacity: 70},
	{Name: "Harristown", Lat: 53.4048, Lon: -6.2788, Capacity: 200},
}

// Default marker position when nothing route-specific is known.
const (
	cityCentreLat = 53.3498
	cityCentreLon = -6.2603
)

// nearestDepot returns the closest depot to a point and the distance in
// meters.
func nearestDepot(lat, lon float64) (Depot, float64) {
	best := depots[0]
	bestDist := catalog.Haversine(lat, lon, best.Lat, best.Lon)
	for _, d := range depots[1:] {
		if dist := catalog.Haversine(lat, lon, d.Lat, d.Lon); dist < bestDist {
			best = d
			bestDist = dist
		}
	}
	return best, bestDist
}
