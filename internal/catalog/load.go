package catalog

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DownloadTimeout bounds a single GTFS archive fetch.
const DownloadTimeout = 60 * time.Second

// Load downloads and parses each GTFS static archive in turn. A failed URL is
// logged and skipped so one broken operator feed does not block startup; the
// catalog simply covers whatever loaded.
func Load(ctx context.Context, client *http.Client, urls []string, log zerolog.Logger) *Catalog {
	c := New()
	for _, url := range urls {
		log.Info().Str("url", url).Msg("downloading GTFS static archive")
		data, err := fetchArchive(ctx, client, url)
		if err != nil {
			log.Error().Err(err).Str("url", url).Msg("GTFS static download failed")
			continue
		}
		if err := c.ParseZip(data, log); err != nil {
			log.Error().Err(err).Str("url", url).Msg("GTFS static parse failed")
			continue
		}
		log.Info().
			Str("url", url).
			Int("routes", c.NumRoutes()).
			Int("trips", c.NumTrips()).
			Int("stops", c.NumStops()).
			Msg("GTFS static archive loaded")
	}
	log.Info().
		Int("total_routes", c.NumRoutes()).
		Int("total_trips", c.NumTrips()).
		Int("total_stops", c.NumStops()).
		Msg("GTFS static load complete")
	return c
}

func fetchArchive(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ParseZip merges one GTFS archive into the catalog. Members are parsed in
// dependency order so the stop_times join sees trips. A missing member leaves
// its index empty; malformed rows are skipped.
func (c *Catalog) ParseZip(data []byte, log zerolog.Logger) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	members := []struct {
		name  string
		parse func(*csvFile)
	}{
		{"routes.txt", c.parseRoutes},
		{"trips.txt", c.parseTrips},
		{"stops.txt", c.parseStops},
		{"shapes.txt", c.parseShapes},
		{"stop_times.txt", c.parseStopTimes},
	}
	for _, m := range members {
		f, err := openCSV(zr, m.name)
		if err != nil {
			log.Warn().Str("member", m.name).Msg("GTFS member missing, index left empty")
			continue
		}
		m.parse(f)
		f.close()
	}
	return nil
}

func (c *Catalog) parseRoutes(f *csvFile) {
	for f.next() {
		c.AddRoute(f.get("route_id"), f.get("route_short_name"))
	}
}

func (c *Catalog) parseTrips(f *csvFile) {
	for f.next() {
		c.AddTrip(f.get("trip_id"), f.get("route_id"), f.get("shape_id"))
	}
}

func (c *Catalog) parseStops(f *csvFile) {
	for f.next() {
		lat, errLat := strconv.ParseFloat(f.get("stop_lat"), 64)
		lon, errLon := strconv.ParseFloat(f.get("stop_lon"), 64)
		if errLat != nil || errLon != nil {
			continue
		}
		c.AddStop(Stop{
			ID:   f.get("stop_id"),
			Name: f.get("stop_name"),
			Lat:  lat,
			Lon:  lon,
		})
	}
}

func (c *Catalog) parseShapes(f *csvFile) {
	for f.next() {
		lat, errLat := strconv.ParseFloat(f.get("shape_pt_lat"), 64)
		lon, errLon := strconv.ParseFloat(f.get("shape_pt_lon"), 64)
		if errLat != nil || errLon != nil {
			continue
		}
		// shapes.txt rows arrive in shape_pt_sequence order in practice;
		// sequence gaps do not matter for drawing.
		c.AddShapePoint(f.get("shape_id"), ShapePoint{Lat: lat, Lon: lon})
	}
}

func (c *Catalog) parseStopTimes(f *csvFile) {
	for f.next() {
		c.AddStopTime(f.get("trip_id"), f.get("stop_id"))
	}
}

// csvFile wraps a zip member with header-indexed field access. Short or long
// rows are tolerated: missing columns read as "".
type csvFile struct {
	rc     io.ReadCloser
	reader *csv.Reader
	index  map[string]int
	row    []string
}

func openCSV(zr *zip.Reader, name string) (*csvFile, error) {
	rc, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		rc.Close()
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		if i == 0 {
			// Feeds exported on Windows often carry a UTF-8 BOM.
			col = strings.TrimPrefix(col, "\uFEFF")
		}
		index[strings.TrimSpace(col)] = i
	}
	return &csvFile{rc: rc, reader: r, index: index}, nil
}

func (f *csvFile) next() bool {
	for {
		row, err := f.reader.Read()
		if err == io.EOF {
			return false
		}
		if err != nil {
			continue // skip malformed row
		}
		f.row = row
		return true
	}
}

func (f *csvFile) get(col string) string {
	i, ok := f.index[col]
	if !ok || i >= len(f.row) {
		return ""
	}
	return strings.TrimSpace(f.row[i])
}

func (f *csvFile) close() { f.rc.Close() }
