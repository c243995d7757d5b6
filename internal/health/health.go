// Package health computes the composite network health score: a single
// 0-100 number a controller can read at a glance, with a weighted component
// breakdown and the ten worst routes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/detect"
	"github.com/snarg/busiq/internal/state"
)

// CacheTTL is how long a computed report is served from the store before
// recomputing.
const CacheTTL = 30 * time.Second

// Component weights. They sum to 1.
const (
	onTimeWeight   = 0.40
	coverageWeight = 0.25
	headwayWeight  = 0.20
	comfortWeight  = 0.15
)

// expectedRoutesFallback stands in for the route count when the catalog
// failed to load.
const expectedRoutesFallback = 116

// Component is one weighted slice of the composite score.
type Component struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Detail   string  `json:"detail"`
}

// RouteHealth summarizes one route.
type RouteHealth struct {
	RouteID       string  `json:"route_id"`
	RouteName     string  `json:"route_name"`
	LiveVehicles  int     `json:"live_vehicles"`
	OnTimeCount   int     `json:"on_time_count"`
	DelayedCount  int     `json:"delayed_count"`
	GhostVehicles int     `json:"ghost_vehicles"`
	BunchingPairs int     `json:"bunching_pairs"`
	CrowdingScore float64 `json:"crowding_score"`
	HealthScore   float64 `json:"health_score"`
	Status        string  `json:"status"` // healthy | warning | critical
}

// Report is the complete network health assessment.
type Report struct {
	Score                int           `json:"score"`
	Grade                string        `json:"grade"`
	Status               string        `json:"status"`
	Components           []Component   `json:"components"`
	TopRoutes            []RouteHealth `json:"top_routes"`
	TotalLiveVehicles    int           `json:"total_live_vehicles"`
	TotalRoutesActive    int           `json:"total_routes_active"`
	InterventionsPending int           `json:"interventions_pending"`
	GeneratedAt          string        `json:"generated_at"`
}

// Scorer computes and caches the report.
type Scorer struct {
	store state.Store
	cat   *catalog.Catalog
	crowd *crowd.Service
	log   zerolog.Logger
	now   func() time.Time
}

func NewScorer(store state.Store, cat *catalog.Catalog, crowdSvc *crowd.Service, log zerolog.Logger) *Scorer {
	return &Scorer{
		store: store,
		cat:   cat,
		crowd: crowdSvc,
		log:   log.With().Str("component", "health").Logger(),
		now:   time.Now,
	}
}

// Calculate returns the network health report, from cache when a copy less
// than CacheTTL old exists.
func (s *Scorer) Calculate(ctx context.Context) (Report, error) {
	if raw, err := s.store.Get(ctx, state.HealthCacheKey); err == nil {
		var cached Report
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	vehicles, err := state.ReadFleet(ctx, s.store)
	if err != nil {
		return Report{}, fmt.Errorf("reading fleet: %w", err)
	}
	now := s.now()
	ghosts := detect.Ghosts(vehicles, s.cat, now)
	bunching := detect.Bunching(vehicles, now)
	crowding, err := s.crowd.TakeSnapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("crowding snapshot: %w", err)
	}

	total := len(vehicles)

	onTimeCount := 0
	for _, v := range vehicles {
		if abs(v.DelaySeconds) <= 300 {
			onTimeCount++
		}
	}
	onTimeScore := 50.0 // no data = neutral
	if total > 0 {
		onTimeScore = math.Min(100, float64(onTimeCount)/float64(total)*100)
	}
	onTime := component("On-Time Performance", onTimeScore, onTimeWeight,
		fmt.Sprintf("%d/%d buses within 5 min of schedule", onTimeCount, total))

	expectedRoutes := s.cat.NumRoutes()
	if expectedRoutes == 0 {
		expectedRoutes = expectedRoutesFallback
	}
	// 50% coverage already scores 100: many routes only run at peak.
	coverageScore := math.Min(100, float64(ghosts.TotalRoutesWithBuses)/float64(expectedRoutes)/0.5*100)
	coverage := component("Route Coverage", coverageScore, coverageWeight,
		fmt.Sprintf("%d/%d routes have live vehicles", ghosts.TotalRoutesWithBuses, expectedRoutes))

	headwayScore := 100.0
	if total > 0 {
		rate := float64(bunching.TotalPairs) / math.Max(1, float64(total)/10)
		headwayScore = math.Max(0, 100-rate*25)
	}
	headway := component("Headway Regularity", headwayScore, headwayWeight,
		fmt.Sprintf("%d bunching pairs across %d routes", bunching.TotalPairs, bunching.RoutesAffected))

	fullReports, standingReports := 0, 0
	for _, sum := range crowding.RouteSummaries {
		fullReports += sum.Levels["full"]
		standingReports += sum.Levels["standing"]
	}
	comfortScore := 85.0 // no reports = assume ok
	if crowding.ReportsLastHour > 0 {
		highPct := (float64(fullReports) + float64(standingReports)*0.5) / float64(crowding.ReportsLastHour)
		comfortScore = math.Max(0, 100-highPct*100)
	}
	comfort := component("Passenger Comfort", comfortScore, comfortWeight,
		fmt.Sprintf("%d 'full' + %d 'standing' out of %d reports", fullReports, standingReports, crowding.ReportsLastHour))

	components := []Component{onTime, coverage, headway, comfort}
	raw := 0.0
	for _, c := range components {
		raw += c.Weighted
	}
	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	grade, status := gradeFor(score)

	topRoutes, routesActive := s.routeHealths(vehicles, bunching, crowding)

	report := Report{
		Score:                score,
		Grade:                grade,
		Status:               status,
		Components:           components,
		TopRoutes:            topRoutes,
		TotalLiveVehicles:    total,
		TotalRoutesActive:    routesActive,
		InterventionsPending: s.pendingCount(ctx),
		GeneratedAt:          now.UTC().Format(time.RFC3339),
	}

	if payload, err := json.Marshal(report); err == nil {
		_ = s.store.Set(ctx, state.HealthCacheKey, string(payload), CacheTTL)
	}

	s.log.Info().
		Int("score", score).
		Str("grade", grade).
		Int("vehicles", total).
		Int("routes", routesActive).
		Msg("network health calculated")
	return report, nil
}

// routeHealths scores every route with live vehicles and returns the ten
// worst, ascending.
func (s *Scorer) routeHealths(vehicles []state.Vehicle, bunching detect.BunchingReport, crowding crowd.Snapshot) ([]RouteHealth, int) {
	byRoute := make(map[string][]state.Vehicle)
	order := []string{}
	for _, v := range vehicles {
		if v.RouteID == "" {
			continue
		}
		if _, ok := byRoute[v.RouteID]; !ok {
			order = append(order, v.RouteID)
		}
		byRoute[v.RouteID] = append(byRoute[v.RouteID], v)
	}

	pairsByRoute := make(map[string]int)
	for _, a := range bunching.Alerts {
		pairsByRoute[a.RouteID] = a.PairCount
	}
	crowdByRoute := make(map[string]float64)
	for _, sum := range crowding.RouteSummaries {
		crowdByRoute[sum.RouteID] = sum.AvgScore
	}

	healths := make([]RouteHealth, 0, len(byRoute))
	for _, rid := range order {
		group := byRoute[rid]
		n := len(group)
		onTime := 0
		for _, v := range group {
			if abs(v.DelaySeconds) <= 300 {
				onTime++
			}
		}
		pairs := pairsByRoute[rid]
		crowdScore := crowdByRoute[rid]

		rScore := float64(onTime)/float64(n)*50 +
			math.Max(0, 30-float64(pairs)*15) +
			math.Max(0, 20-crowdScore*5)

		// The poller resolves names via trip_id, which succeeds more
		// often than the raw route_id lookup, so prefer what is already
		// on the vehicle record.
		name := ""
		for _, v := range group {
			if v.RouteShortName != "" && v.RouteShortName != rid {
				name = v.RouteShortName
				break
			}
		}
		if name == "" {
			name = s.cat.RouteName(rid)
		}

		healths = append(healths, RouteHealth{
			RouteID:       rid,
			RouteName:     name,
			LiveVehicles:  n,
			OnTimeCount:   onTime,
			DelayedCount:  n - onTime,
			BunchingPairs: pairs,
			CrowdingScore: math.Round(crowdScore*100) / 100,
			HealthScore:   math.Round(rScore*10) / 10,
			Status:        routeStatus(rScore),
		})
	}

	sort.SliceStable(healths, func(i, j int) bool {
		return healths[i].HealthScore < healths[j].HealthScore
	})
	if len(healths) > 10 {
		healths = healths[:10]
	}
	return healths, len(byRoute)
}

// pendingCount tallies pending interventions; any failure reads as zero
// rather than failing the whole report.
func (s *Scorer) pendingCount(ctx context.Context) int {
	raw, err := s.store.LRange(ctx, state.InterventionsKey, 0, -1)
	if err != nil {
		return 0
	}
	pending := 0
	for _, item := range raw {
		var entry struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Status == "pending" {
			pending++
		}
	}
	return pending
}

func component(name string, score, weight float64, detail string) Component {
	return Component{
		Name:     name,
		Score:    math.Round(score*10) / 10,
		Weight:   weight,
		Weighted: math.Round(score*weight*10) / 10,
		Detail:   detail,
	}
}

func gradeFor(score int) (string, string) {
	switch {
	case score >= 90:
		return "A", "excellent"
	case score >= 75:
		return "B", "good"
	case score >= 60:
		return "C", "fair"
	case score >= 40:
		return "D", "poor"
	}
	return "F", "crisis"
}

func routeStatus(score float64) string {
	switch {
	case score >= 75:
		return "healthy"
	case score >= 50:
		return "warning"
	}
	return "critical"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
