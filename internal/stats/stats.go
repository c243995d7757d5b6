// Package stats snapshots network metrics to an append-only JSON-lines file
// and summarizes the collected history on demand. The file is the only
// persistence in the system; everything else lives in the state store.
package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/crowd"
	"github.com/snarg/busiq/internal/detect"
	"github.com/snarg/busiq/internal/state"
)

// DefaultInterval is how often a snapshot is appended.
const DefaultInterval = 300 * time.Second

// RouteDelay is one entry of the top-delayed table.
type RouteDelay struct {
	Route    string `json:"route"`
	AvgDelay int    `json:"avg_delay"`
	Vehicles int    `json:"vehicles"`
}

// Record is one collected snapshot, one JSON object per line on disk.
type Record struct {
	Timestamp       string       `json:"timestamp"`
	Hour            int          `json:"hour"`
	Weekday         string       `json:"weekday"`
	TotalVehicles   int          `json:"total_vehicles"`
	ActiveRoutes    int          `json:"active_routes"`
	OnTime          int          `json:"on_time"`
	OnTimePct       float64      `json:"on_time_pct"`
	SlightDelay     int          `json:"slight_delay"`
	ModerateDelay   int          `json:"moderate_delay"`
	SevereDelay     int          `json:"severe_delay"`
	AvgDelaySeconds int          `json:"avg_delay_seconds"`
	GhostSignalLost int          `json:"ghost_signal_lost"`
	GhostDeadRoutes int          `json:"ghost_dead_routes"`
	GhostRatePct    float64      `json:"ghost_rate_pct"`
	BunchingPairs   int          `json:"bunching_pairs"`
	BunchingRoutes  int          `json:"bunching_routes"`
	BunchingSevere  int          `json:"bunching_severe"`
	CrowdReports    int64        `json:"crowd_reports"`
	CrowdFullRoutes int          `json:"crowd_full_routes"`
	TopDelayed      []RouteDelay `json:"top_delayed_routes"`
}

// Collector appends a Record every interval.
type Collector struct {
	store    state.Store
	cat      *catalog.Catalog
	crowd    *crowd.Service
	log      zerolog.Logger
	path     string
	interval time.Duration
	now      func() time.Time
}

func NewCollector(store state.Store, cat *catalog.Catalog, crowdSvc *crowd.Service, path string, interval time.Duration, log zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		store:    store,
		cat:      cat,
		crowd:    crowdSvc,
		log:      log.With().Str("component", "stats").Logger(),
		path:     path,
		interval: interval,
		now:      time.Now,
	}
}

// Run collects until the context is cancelled. Collection errors are logged
// and the loop keeps going.
func (c *Collector) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.log.Error().Err(err).Str("path", c.path).Msg("creating stats directory")
		return
	}
	c.log.Info().Dur("interval", c.interval).Str("file", c.path).Msg("stats collector started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("stats collector stopped")
			return
		case <-ticker.C:
			if err := c.CollectOnce(ctx); err != nil {
				c.log.Error().Err(err).Msg("stats collection failed")
			}
		}
	}
}

// CollectOnce takes one snapshot and appends it. An empty fleet produces no
// record.
func (c *Collector) CollectOnce(ctx context.Context) error {
	rec, ok, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.append(rec); err != nil {
		return err
	}
	c.log.Info().
		Int("vehicles", rec.TotalVehicles).
		Float64("on_time_pct", rec.OnTimePct).
		Int("bunching", rec.BunchingPairs).
		Int("ghosts", rec.GhostSignalLost).
		Msg("stats snapshot written")
	return nil
}

// Snapshot computes the metrics record. ok=false means the fleet is empty
// and nothing should be written.
func (c *Collector) Snapshot(ctx context.Context) (Record, bool, error) {
	vehicles, err := state.ReadFleet(ctx, c.store)
	if err != nil {
		return Record{}, false, fmt.Errorf("reading fleet: %w", err)
	}
	if len(vehicles) == 0 {
		return Record{}, false, nil
	}
	now := c.now().UTC()
	total := len(vehicles)

	rec := Record{
		Timestamp:     now.Format(time.RFC3339),
		Hour:          now.Hour(),
		Weekday:       now.Weekday().String(),
		TotalVehicles: total,
		TopDelayed:    []RouteDelay{},
	}

	delaySum := 0
	activeRoutes := map[string]struct{}{}
	routeDelays := map[string][]int{}
	routeOrder := []string{}
	for _, v := range vehicles {
		d := v.DelaySeconds
		delaySum += d
		if d < 0 {
			d = -d
		}
		switch {
		case d <= 300:
			rec.OnTime++
		case d <= 600:
			rec.SlightDelay++
		case d <= 900:
			rec.ModerateDelay++
		default:
			rec.SevereDelay++
		}

		name := v.RouteShortName
		if name == "" {
			name = v.RouteID
		}
		if name == "" {
			continue
		}
		activeRoutes[name] = struct{}{}
		if _, ok := routeDelays[name]; !ok {
			routeOrder = append(routeOrder, name)
		}
		routeDelays[name] = append(routeDelays[name], v.DelaySeconds)
	}
	rec.ActiveRoutes = len(activeRoutes)
	rec.OnTimePct = round1(float64(rec.OnTime) / float64(total) * 100)
	rec.AvgDelaySeconds = int(math.Round(float64(delaySum) / float64(total)))

	ghosts := detect.Ghosts(vehicles, c.cat, now)
	rec.GhostSignalLost = ghosts.TotalGhostVehicles
	rec.GhostDeadRoutes = ghosts.TotalRoutesWithoutBuses
	rec.GhostRatePct = round1(float64(rec.GhostSignalLost) / float64(total) * 100)

	bunching := detect.Bunching(vehicles, now)
	rec.BunchingPairs = bunching.TotalPairs
	rec.BunchingRoutes = bunching.RoutesAffected
	for _, a := range bunching.Alerts {
		if a.Severity == "severe" {
			rec.BunchingSevere++
		}
	}

	// Crowding is optional for the snapshot; a failed read logs and zeroes.
	if crowding, err := c.crowd.TakeSnapshot(ctx); err == nil {
		rec.CrowdReports = crowding.TotalReports
		for _, sum := range crowding.RouteSummaries {
			if dominantLevel(sum.Levels) == "full" {
				rec.CrowdFullRoutes++
			}
		}
	} else {
		c.log.Warn().Err(err).Msg("crowding unavailable for stats snapshot")
	}

	for _, name := range routeOrder {
		delays := routeDelays[name]
		if len(delays) < 3 {
			continue
		}
		sum := 0
		for _, d := range delays {
			sum += d
		}
		rec.TopDelayed = append(rec.TopDelayed, RouteDelay{
			Route:    name,
			AvgDelay: int(math.Round(float64(sum) / float64(len(delays)))),
			Vehicles: len(delays),
		})
	}
	sort.SliceStable(rec.TopDelayed, func(i, j int) bool {
		return rec.TopDelayed[i].AvgDelay > rec.TopDelayed[j].AvgDelay
	})
	if len(rec.TopDelayed) > 10 {
		rec.TopDelayed = rec.TopDelayed[:10]
	}

	return rec, true, nil
}

func (c *Collector) append(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening stats file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("appending stats record: %w", err)
	}
	return nil
}

// dominantLevel returns the crowding level with the highest count, or ""
// when all counts are zero. Ties resolve to the more crowded level.
func dominantLevel(levels map[string]int) string {
	best, bestCount := "", 0
	for _, level := range []string{"empty", "seats", "standing", "full"} {
		if levels[level] >= bestCount && levels[level] > 0 {
			best, bestCount = level, levels[level]
		}
	}
	return best
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }

// HourOnTime is the on-time rate for one hour bucket.
type HourOnTime struct {
	Hour         int     `json:"hour"`
	AvgOnTimePct float64 `json:"avg_on_time_pct"`
}

// RouteAppearances counts how often a route showed up in top-delayed tables.
type RouteAppearances struct {
	Route       string `json:"route"`
	Appearances int    `json:"appearances"`
}

// Summary aggregates the whole stats file.
type Summary struct {
	Snapshots             int                `json:"snapshots"`
	PeriodStart           string             `json:"period_start,omitempty"`
	PeriodEnd             string             `json:"period_end,omitempty"`
	AvgVehiclesTracked    int                `json:"avg_vehicles_tracked"`
	AvgOnTimePct          float64            `json:"avg_on_time_pct"`
	AvgDelaySeconds       int                `json:"avg_delay_seconds"`
	AvgBunchingPairs      float64            `json:"avg_bunching_pairs_per_snapshot"`
	TotalBunchingEvents   int                `json:"total_bunching_events_observed"`
	MaxBunchingPairs      int                `json:"max_bunching_pairs_single_snapshot"`
	AvgGhostRatePct       float64            `json:"avg_ghost_rate_pct"`
	MaxGhostRatePct       float64            `json:"max_ghost_rate_pct"`
	TotalGhostEvents      int                `json:"total_ghost_events_observed"`
	WorstHoursForOnTime   []HourOnTime       `json:"worst_hours_for_on_time"`
	BestHoursForOnTime    []HourOnTime       `json:"best_hours_for_on_time"`
	MostFrequentlyDelayed []RouteAppearances `json:"most_frequently_delayed_routes"`
}

// Summarize reads the full stats file and aggregates it. A missing or empty
// file yields a zero-snapshot summary rather than an error.
func Summarize(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, nil
		}
		return Summary{}, fmt.Errorf("opening stats file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, fmt.Errorf("reading stats file: %w", err)
	}
	if len(records) == 0 {
		return Summary{}, nil
	}

	n := len(records)
	s := Summary{
		Snapshots:   n,
		PeriodStart: records[0].Timestamp,
		PeriodEnd:   records[n-1].Timestamp,
	}

	vehicleSum, delaySum, bunchSum, ghostEvents := 0, 0, 0, 0
	onTimeSum, ghostRateSum := 0.0, 0.0
	hourBuckets := map[int][]float64{}
	routeCounts := map[string]int{}
	for _, rec := range records {
		vehicleSum += rec.TotalVehicles
		delaySum += rec.AvgDelaySeconds
		bunchSum += rec.BunchingPairs
		ghostEvents += rec.GhostSignalLost
		onTimeSum += rec.OnTimePct
		ghostRateSum += rec.GhostRatePct
		if rec.BunchingPairs > s.MaxBunchingPairs {
			s.MaxBunchingPairs = rec.BunchingPairs
		}
		if rec.GhostRatePct > s.MaxGhostRatePct {
			s.MaxGhostRatePct = rec.GhostRatePct
		}
		hourBuckets[rec.Hour] = append(hourBuckets[rec.Hour], rec.OnTimePct)
		for _, rd := range rec.TopDelayed {
			routeCounts[rd.Route]++
		}
	}
	s.AvgVehiclesTracked = int(math.Round(float64(vehicleSum) / float64(n)))
	s.AvgOnTimePct = round1(onTimeSum / float64(n))
	s.AvgDelaySeconds = int(math.Round(float64(delaySum) / float64(n)))
	s.AvgBunchingPairs = round1(float64(bunchSum) / float64(n))
	s.TotalBunchingEvents = bunchSum
	s.AvgGhostRatePct = round1(ghostRateSum / float64(n))
	s.TotalGhostEvents = ghostEvents

	hours := make([]HourOnTime, 0, len(hourBuckets))
	for hour, pcts := range hourBuckets {
		sum := 0.0
		for _, p := range pcts {
			sum += p
		}
		hours = append(hours, HourOnTime{Hour: hour, AvgOnTimePct: round1(sum / float64(len(pcts)))})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].AvgOnTimePct != hours[j].AvgOnTimePct {
			return hours[i].AvgOnTimePct < hours[j].AvgOnTimePct
		}
		return hours[i].Hour < hours[j].Hour
	})
	if len(hours) > 3 {
		s.WorstHoursForOnTime = hours[:3]
		s.BestHoursForOnTime = hours[len(hours)-3:]
	} else {
		s.WorstHoursForOnTime = hours
		s.BestHoursForOnTime = hours
	}

	routes := make([]RouteAppearances, 0, len(routeCounts))
	for route, count := range routeCounts {
		routes = append(routes, RouteAppearances{Route: route, Appearances: count})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Appearances != routes[j].Appearances {
			return routes[i].Appearances > routes[j].Appearances
		}
		return routes[i].Route < routes[j].Route
	})
	if len(routes) > 10 {
		routes = routes[:10]
	}
	s.MostFrequentlyDelayed = routes

	return s, nil
}
