package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/busiq/internal/catalog"
	"github.com/snarg/busiq/internal/metrics"
	"github.com/snarg/busiq/internal/state"
)

const (
	// DefaultInterval is the base poll cadence.
	DefaultInterval = 12 * time.Second

	// maxBackoff caps the error backoff.
	maxBackoff = 300 * time.Second
)

// Poller drives the ingest loop: fetch both feeds, merge, write the fleet
// snapshot, publish the live pulse.
type Poller struct {
	client   *Client
	store    state.Store
	cat      *catalog.Catalog
	interval time.Duration
	log      zerolog.Logger

	now       func() time.Time
	lastCount atomic.Int64
}

func NewPoller(client *Client, store state.Store, cat *catalog.Catalog, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		client:   client,
		store:    store,
		cat:      cat,
		interval: interval,
		log:      log.With().Str("component", "poller").Logger(),
		now:      time.Now,
	}
}

// VehicleCount reports how many vehicles the last successful poll published.
func (p *Poller) VehicleCount() int64 { return p.lastCount.Load() }

// Run polls until ctx is cancelled. Errors back off exponentially up to
// maxBackoff; a successful poll resets the cadence.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("poller started")
	wait := p.interval
	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = wait * 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
			if errors.Is(err, ErrRateLimited) {
				p.log.Warn().Dur("backoff", wait).Msg("feed rate limited, backing off")
			} else {
				p.log.Error().Err(err).Dur("backoff", wait).Msg("poll failed")
			}
		} else {
			wait = p.interval
		}

		select {
		case <-ctx.Done():
			p.log.Info().Msg("poller stopped")
			return
		case <-time.After(wait):
		}
	}
}

// PollOnce performs a single poll tick. Without an API key it warns and
// skips; that is not an error, the next tick retries at the base cadence.
func (p *Poller) PollOnce(ctx context.Context) error {
	if !p.client.HasKey() {
		p.log.Warn().Msg("no API key configured, skipping poll")
		metrics.PollsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	start := p.now()

	// TripUpdates is best-effort, fetched concurrently with the required
	// VehiclePositions feed.
	delayCh := make(chan map[string]int, 1)
	go func() {
		delays, err := p.client.FetchTripDelays(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("trip updates unavailable, delays zeroed")
			delays = nil
		}
		delayCh <- delays
	}()

	feed, err := p.client.FetchVehicles(ctx)
	delays := <-delayCh
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			metrics.PollsTotal.WithLabelValues("rate_limited").Inc()
		} else {
			metrics.PollsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	vehicles := MergeVehicles(feed, delays, p.cat, p.now())
	ts, err := state.WriteFleet(ctx, p.store, vehicles, p.now())
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	p.lastCount.Store(int64(len(vehicles)))
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	metrics.PollDuration.Observe(p.now().Sub(start).Seconds())
	metrics.VehiclesTracked.Set(float64(len(vehicles)))

	p.log.Info().
		Int("vehicles", len(vehicles)).
		Int("trips_with_delay", len(delays)).
		Str("fleet_ts", ts).
		Msg("fleet snapshot published")
	return nil
}
