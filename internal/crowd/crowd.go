// Package crowd stores and aggregates passenger crowding reports. Reports
// live in the state store with a one hour TTL, which keeps the feed scoped to
// what is happening on the network right now.
package crowd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/state"
)

const (
	// ReportTTL bounds how long any crowd data survives without refresh.
	ReportTTL = time.Hour

	// globalCap and routeCap bound the report lists.
	globalCap = 500
	routeCap  = 100

	// snapshotWindow is how many recent reports feed the aggregation.
	snapshotWindow = 50
)

// Crowding levels, ordered by severity. LevelScore maps them onto the 0-3
// scale used for route averages.
var levelScores = map[string]int{
	"empty":    0,
	"seats":    1,
	"standing": 2,
	"full":     3,
}

// ValidLevel reports whether s is one of the accepted crowding levels.
func ValidLevel(s string) bool {
	_, ok := levelScores[s]
	return ok
}

// Report is one passenger crowding observation.
type Report struct {
	ID             string  `json:"id"`
	VehicleID      string  `json:"vehicle_id"`
	RouteID        string  `json:"route_id"`
	RouteShortName string  `json:"route_short_name"`
	CrowdingLevel  string  `json:"crowding_level"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	ReportedAt     string  `json:"reported_at"`
}

// RouteSummary aggregates reports for one route.
type RouteSummary struct {
	RouteID        string         `json:"route_id"`
	RouteShortName string         `json:"route_short_name"`
	ReportCount    int            `json:"report_count"`
	LatestLevel    string         `json:"latest_level"`
	Levels         map[string]int `json:"levels"`
	AvgScore       float64        `json:"avg_score"`
}

// Snapshot is the network-wide crowding overview.
type Snapshot struct {
	TotalReports    int64          `json:"total_reports"`
	ReportsLastHour int            `json:"reports_last_hour"`
	RouteSummaries  []RouteSummary `json:"route_summaries"`
	RecentReports   []Report       `json:"recent_reports"`
	GeneratedAt     string         `json:"generated_at"`
}

// Service owns the crowd report keys in the state store.
type Service struct {
	store state.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store state.Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "crowd").Logger(),
		now:   time.Now,
	}
}

// Submit stores a report in the global feed, the per-route list, and the
// per-vehicle latest slot, bumps the lifetime counter, and publishes the
// report on the live channel.
func (s *Service) Submit(ctx context.Context, vehicleID, routeID, routeShortName, level string, lat, lon float64) (Report, error) {
	now := s.now().UTC()
	r := Report{
		ID:             fmt.Sprintf("%s:%d", vehicleID, now.UnixMilli()),
		VehicleID:      vehicleID,
		RouteID:        routeID,
		RouteShortName: routeShortName,
		CrowdingLevel:  level,
		Latitude:       lat,
		Longitude:      lon,
		ReportedAt:     now.Format(time.RFC3339),
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return Report{}, err
	}

	pipe := s.store.Pipeline()
	pipe.LPush(state.CrowdReportsKey, string(payload))
	pipe.LTrim(state.CrowdReportsKey, 0, globalCap-1)
	pipe.Expire(state.CrowdReportsKey, ReportTTL)

	routeKey := state.CrowdRouteKey(routeID)
	pipe.LPush(routeKey, string(payload))
	pipe.LTrim(routeKey, 0, routeCap-1)
	pipe.Expire(routeKey, ReportTTL)

	pipe.Set(state.CrowdVehicleKey(vehicleID), string(payload), ReportTTL)
	pipe.Incr(state.CrowdCounterKey)
	if err := pipe.Exec(ctx); err != nil {
		return Report{}, fmt.Errorf("storing crowd report: %w", err)
	}

	pulse, _ := json.Marshal(map[string]any{"type": "crowd_report", "report": r})
	_ = s.store.Publish(ctx, state.LiveChannel, string(pulse))

	s.log.Info().
		Str("vehicle_id", vehicleID).
		Str("route", routeShortName).
		Str("level", level).
		Msg("crowd report submitted")
	return r, nil
}

// Recent returns up to limit reports, newest first. Entries that fail to
// decode are dropped.
func (s *Service) Recent(ctx context.Context, limit int) ([]Report, error) {
	raw, err := s.store.LRange(ctx, state.CrowdReportsKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(raw))
	for _, item := range raw {
		var r Report
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// VehicleLatest returns the most recent report for one vehicle, or ok=false
// when there is none.
func (s *Service) VehicleLatest(ctx context.Context, vehicleID string) (Report, bool, error) {
	raw, err := s.store.Get(ctx, state.CrowdVehicleKey(vehicleID))
	if err == state.ErrNotFound {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Report{}, false, nil
	}
	return r, true, nil
}

// TakeSnapshot aggregates the most recent reports into per-route summaries,
// ordered by report count descending.
func (s *Service) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	var total int64
	if raw, err := s.store.Get(ctx, state.CrowdCounterKey); err == nil {
		total, _ = strconv.ParseInt(raw, 10, 64)
	}

	recent, err := s.Recent(ctx, snapshotWindow)
	if err != nil {
		return Snapshot{}, err
	}

	byRoute := make(map[string]*RouteSummary)
	order := []string{}
	for _, r := range recent {
		sum, ok := byRoute[r.RouteID]
		if !ok {
			sum = &RouteSummary{
				RouteID:        r.RouteID,
				RouteShortName: r.RouteShortName,
				Levels:         map[string]int{"empty": 0, "seats": 0, "standing": 0, "full": 0},
				// Reports come newest first, so the first seen is the latest.
				LatestLevel: r.CrowdingLevel,
			}
			byRoute[r.RouteID] = sum
			order = append(order, r.RouteID)
		}
		sum.Levels[r.CrowdingLevel]++
	}

	summaries := make([]RouteSummary, 0, len(byRoute))
	for _, rid := range order {
		sum := byRoute[rid]
		scoreSum := 0
		for level, count := range sum.Levels {
			sum.ReportCount += count
			scoreSum += levelScores[level] * count
		}
		if sum.ReportCount > 0 {
			sum.AvgScore = math.Round(float64(scoreSum)/float64(sum.ReportCount)*100) / 100
		}
		summaries = append(summaries, *sum)
	}
	// Busiest routes first; ties keep first-seen order.
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].ReportCount > summaries[j].ReportCount
	})

	capped := recent
	if len(capped) > 20 {
		capped = capped[:20]
	}
	return Snapshot{
		TotalReports:    total,
		ReportsLastHour: len(recent),
		RouteSummaries:  summaries,
		RecentReports:   capped,
		GeneratedAt:     s.now().UTC().Format(time.RFC3339),
	}, nil
}
