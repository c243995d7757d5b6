package state

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// VehicleTTL is how long a vehicle hash lives without a refresh. Vehicles
// that stop reporting fall out of the live view on their own.
const VehicleTTL = 120 * time.Second

// Vehicle is one live fleet member, written by the poller every tick and
// read back by the detectors, scorer, and API.
type Vehicle struct {
	VehicleID       string   `json:"vehicle_id"`
	RouteID         string   `json:"route_id"`
	RouteShortName  string   `json:"route_short_name"`
	TripID          *string  `json:"trip_id"`
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	Bearing         *int     `json:"bearing"`
	SpeedKmh        *float64 `json:"speed_kmh"`
	OccupancyStatus string   `json:"occupancy_status"`
	DelaySeconds    int      `json:"delay_seconds"`
	Timestamp       string   `json:"timestamp"`
}

// Snapshot is the atomic output of one poll: every live vehicle plus the
// fleet timestamp written in the same pipeline.
type Snapshot struct {
	Vehicles  []Vehicle
	Timestamp string
}

// EncodeVehicleHash flattens a vehicle into the string fields stored at
// busiq:vehicle:{id}. Nil optionals are omitted rather than stored empty.
func EncodeVehicleHash(v Vehicle) map[string]string {
	fields := map[string]string{
		"vehicle_id":       v.VehicleID,
		"route_id":         v.RouteID,
		"route_short_name": v.RouteShortName,
		"latitude":         strconv.FormatFloat(v.Latitude, 'f', -1, 64),
		"longitude":        strconv.FormatFloat(v.Longitude, 'f', -1, 64),
		"occupancy_status": v.OccupancyStatus,
		"delay_seconds":    strconv.Itoa(v.DelaySeconds),
		"timestamp":        v.Timestamp,
	}
	if v.TripID != nil {
		fields["trip_id"] = *v.TripID
	}
	if v.Bearing != nil {
		fields["bearing"] = strconv.Itoa(*v.Bearing)
	}
	if v.SpeedKmh != nil {
		fields["speed_kmh"] = strconv.FormatFloat(*v.SpeedKmh, 'f', -1, 64)
	}
	return fields
}

// DecodeVehicleHash rebuilds a vehicle from its stored hash fields.
func DecodeVehicleHash(fields map[string]string) Vehicle {
	v := Vehicle{
		VehicleID:       fields["vehicle_id"],
		RouteID:         fields["route_id"],
		RouteShortName:  fields["route_short_name"],
		OccupancyStatus: fields["occupancy_status"],
		Timestamp:       fields["timestamp"],
	}
	if v.OccupancyStatus == "" {
		v.OccupancyStatus = "UNKNOWN"
	}
	v.Latitude, _ = strconv.ParseFloat(fields["latitude"], 64)
	v.Longitude, _ = strconv.ParseFloat(fields["longitude"], 64)
	if s, ok := fields["trip_id"]; ok && s != "" {
		v.TripID = &s
	}
	if s, ok := fields["bearing"]; ok && s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			v.Bearing = &n
		}
	}
	if s, ok := fields["speed_kmh"]; ok && s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			v.SpeedKmh = &f
		}
	}
	if s, ok := fields["delay_seconds"]; ok {
		v.DelaySeconds, _ = strconv.Atoi(s)
	}
	return v
}

// WriteFleet commits one poll's worth of vehicles in a single pipeline, so a
// reader that sees an id in the fleet set also finds its hash. Publishes the
// snapshot on the live channel afterwards and returns the fleet timestamp.
func WriteFleet(ctx context.Context, s Store, vehicles []Vehicle, now time.Time) (string, error) {
	ts := now.UTC().Format(time.RFC3339)

	pipe := s.Pipeline()
	ids := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		ids = append(ids, v.VehicleID)
		key := VehicleKey(v.VehicleID)
		pipe.HSet(key, EncodeVehicleHash(v))
		pipe.Expire(key, VehicleTTL)
	}
	pipe.Del(FleetKey)
	if len(ids) > 0 {
		pipe.SAdd(FleetKey, ids...)
	}
	pipe.Set(FleetTSKey, ts, 0)
	if err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"type":      "snapshot",
		"vehicles":  vehicles,
		"timestamp": ts,
	})
	if err != nil {
		return ts, err
	}
	// Best-effort: a failed publish only degrades WS clients to polling.
	_ = s.Publish(ctx, LiveChannel, string(payload))
	return ts, nil
}

// ReadFleet returns a consistent snapshot: the fleet set is read first, then
// every vehicle hash in one pipeline. Entries that expired between the two
// steps are dropped. Vehicles come back sorted by id.
func ReadFleet(ctx context.Context, s Store) ([]Vehicle, error) {
	ids, err := s.SMembers(ctx, FleetKey)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := s.Pipeline()
	results := make([]*MapResult, len(ids))
	for i, id := range ids {
		results[i] = pipe.HGetAll(VehicleKey(id))
	}
	if err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	vehicles := make([]Vehicle, 0, len(ids))
	for _, res := range results {
		if len(res.Val) == 0 {
			continue
		}
		vehicles = append(vehicles, DecodeVehicleHash(res.Val))
	}
	return vehicles, nil
}

// ReadVehicle returns a single vehicle or ErrNotFound.
func ReadVehicle(ctx context.Context, s Store, vehicleID string) (Vehicle, error) {
	fields, err := s.HGetAll(ctx, VehicleKey(vehicleID))
	if err != nil {
		return Vehicle{}, err
	}
	if len(fields) == 0 {
		return Vehicle{}, ErrNotFound
	}
	return DecodeVehicleHash(fields), nil
}

// FleetTimestamp returns the timestamp of the last completed poll, or ""
// when no poll has run yet.
func FleetTimestamp(ctx context.Context, s Store) (string, error) {
	ts, err := s.Get(ctx, FleetTSKey)
	if err == ErrNotFound {
		return "", nil
	}
	return ts, err
}
