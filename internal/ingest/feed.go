// Package ingest polls the agency's GTFS-realtime feeds and publishes the
// merged fleet snapshot to the state store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/state"
)

// FetchTimeout bounds one feed request.
const FetchTimeout = 15 * time.Second

// ErrRateLimited reports an HTTP 429 from the feed, which the poll loop
// treats as a signal to back off.
var ErrRateLimited = errors.New("ingest: feed rate limited")

// Client fetches the two GTFS-RT feeds with a shared API key.
type Client struct {
	http           *http.Client
	apiKey         string
	vehiclesURL    string
	tripUpdatesURL string
}

func NewClient(httpClient *http.Client, apiKey, vehiclesURL, tripUpdatesURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:           httpClient,
		apiKey:         apiKey,
		vehiclesURL:    vehiclesURL,
		tripUpdatesURL: tripUpdatesURL,
	}
}

// HasKey reports whether an API key is configured.
func (c *Client) HasKey() bool { return c.apiKey != "" }

// FetchVehicles fetches the required VehiclePositions feed. A 429 surfaces
// as ErrRateLimited.
func (c *Client) FetchVehicles(ctx context.Context) (*gtfs.FeedMessage, error) {
	return c.fetchFeed(ctx, c.vehiclesURL)
}

// FetchTripDelays fetches the best-effort TripUpdates feed and reduces it to
// trip_id → worst observed delay. Only positive delays are recorded.
func (c *Client) FetchTripDelays(ctx context.Context) (map[string]int, error) {
	feed, err := c.fetchFeed(ctx, c.tripUpdatesURL)
	if err != nil {
		return nil, err
	}

	delays := make(map[string]int)
	for _, entity := range feed.Entity {
		tu := entity.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		worst := 0
		for _, stu := range tu.StopTimeUpdate {
			if stu.Arrival != nil && stu.Arrival.Delay != nil {
				if d := abs(int(*stu.Arrival.Delay)); d > worst {
					worst = d
				}
			}
			if stu.Departure != nil && stu.Departure.Delay != nil {
				if d := abs(int(*stu.Departure.Delay)); d > worst {
					worst = d
				}
			}
		}
		if worst > 0 {
			delays[*tu.Trip.TripId] = worst
		}
	}
	return delays, nil
}

func (c *Client) fetchFeed(ctx context.Context, url string) (*gtfs.FeedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading feed body: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parsing protobuf: %w", err)
	}
	return feed, nil
}

// MergeVehicles turns a VehiclePositions feed plus the trip delay map into
// fleet records, resolving route names against the catalog.
func MergeVehicles(feed *gtfs.FeedMessage, delays map[string]int, cat *catalog.Catalog, now time.Time) []state.Vehicle {
	vehicles := make([]state.Vehicle, 0, len(feed.Entity))
	for _, entity := range feed.Entity {
		vp := entity.Vehicle
		if vp == nil || vp.Vehicle == nil || vp.Vehicle.Id == nil || *vp.Vehicle.Id == "" {
			continue
		}

		v := state.Vehicle{
			VehicleID:       *vp.Vehicle.Id,
			OccupancyStatus: occupancyString(vp),
			Timestamp:       now.UTC().Format(time.RFC3339),
		}

		if vp.Trip != nil {
			if vp.Trip.RouteId != nil {
				v.RouteID = *vp.Trip.RouteId
			}
			if vp.Trip.TripId != nil && *vp.Trip.TripId != "" {
				tripID := *vp.Trip.TripId
				v.TripID = &tripID
				v.DelaySeconds = delays[tripID]
			}
		}

		// trip_id resolution succeeds more often than route_id, so try
		// it first.
		if v.TripID != nil {
			v.RouteShortName = cat.RouteNameByTrip(*v.TripID)
		}
		if v.RouteShortName == "" {
			v.RouteShortName = cat.RouteName(v.RouteID)
		}

		if pos := vp.Position; pos != nil {
			if pos.Latitude != nil {
				v.Latitude = round6(float64(*pos.Latitude))
			}
			if pos.Longitude != nil {
				v.Longitude = round6(float64(*pos.Longitude))
			}
			if pos.Bearing != nil && *pos.Bearing != 0 {
				b := int(*pos.Bearing)
				v.Bearing = &b
			}
			if pos.Speed != nil && *pos.Speed > 0 {
				kmh := math.Round(float64(*pos.Speed)*3.6*10) / 10
				v.SpeedKmh = &kmh
			}
		}

		if vp.Timestamp != nil {
			v.Timestamp = time.Unix(int64(*vp.Timestamp), 0).UTC().Format(time.RFC3339)
		}

		vehicles = append(vehicles, v)
	}
	return vehicles
}

func occupancyString(vp *gtfs.VehiclePosition) string {
	if vp.OccupancyStatus == nil {
		return "UNKNOWN"
	}
	switch *vp.OccupancyStatus {
	case gtfs.VehiclePosition_EMPTY:
		return "EMPTY"
	case gtfs.VehiclePosition_MANY_SEATS_AVAILABLE:
		return "MANY_SEATS_AVAILABLE"
	case gtfs.VehiclePosition_FEW_SEATS_AVAILABLE:
		return "FEW_SEATS_AVAILABLE"
	case gtfs.VehiclePosition_STANDING_ROOM_ONLY:
		return "STANDING_ROOM_ONLY"
	case gtfs.VehiclePosition_CRUSHED_STANDING_ROOM_ONLY:
		return "CRUSHED_STANDING_ROOM_ONLY"
	case gtfs.VehiclePosition_FULL:
		return "FULL"
	case gtfs.VehiclePosition_NOT_ACCEPTING_PASSENGERS:
		return "NOT_ACCEPTING_PASSENGERS"
	}
	return "UNKNOWN"
}

func round6(f float64) float64 { return math.Round(f*1e6) / 1e6 }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
