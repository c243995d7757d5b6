package state

import (
	"context"
	"errors"
	"time"
)

// Key layout for the live state store. Everything the poller, detectors,
// intervention engine, and crowd ingress share goes through these keys.
const (
	VehicleKeyPrefix  = "busiq:vehicle:"
	FleetKey          = "busiq:fleet"
	FleetTSKey        = "busiq:fleet:ts"
	LiveChannel       = "busiq:live"
	CrowdReportsKey   = "busiq:crowd:reports"
	CrowdRoutePrefix  = "busiq:crowd:route:"
	CrowdVehiclePref  = "busiq:crowd:vehicle:"
	CrowdCounterKey   = "busiq:crowd:total_count"
	InterventionsKey  = "busiq:interventions:active"
	HistoryKey        = "busiq:interventions:history"
	HealthCacheKey    = "busiq:health:latest"
)

var (
	// ErrNotFound is returned by Get when a key does not exist. HGetAll
	// returns an empty map for a missing key instead.
	ErrNotFound = errors.New("state: key not found")

	// ErrNoMessage is returned by Subscription.Receive when the context
	// deadline expires before a message arrives. Callers use it to tell a
	// quiet channel apart from a broken one.
	ErrNoMessage = errors.New("state: no message before deadline")
)

// VehicleKey returns the hash key for a vehicle id.
func VehicleKey(id string) string { return VehicleKeyPrefix + id }

// CrowdRouteKey returns the per-route crowd report list key.
func CrowdRouteKey(routeID string) string { return CrowdRoutePrefix + routeID }

// CrowdVehicleKey returns the per-vehicle latest crowd report key.
func CrowdVehicleKey(vehicleID string) string { return CrowdVehiclePref + vehicleID }

// Store is the shared key/value layer between the poller, detectors,
// intervention engine, crowd ingress, and WebSocket fanout. Backed by Redis
// in production and by an in-memory implementation when Redis is unreachable
// (and in tests).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LSet(ctx context.Context, key string, index int64, value string) error
	Incr(ctx context.Context, key string) (int64, error)

	// Publish delivers payload to current subscribers of channel,
	// best-effort, at most once per subscriber.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on channel. The caller owns the
	// returned subscription and must Close it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Pipeline returns a batch whose queued commands execute in order and
	// appear atomically to other readers of the store.
	Pipeline() Pipeline

	Ping(ctx context.Context) error
	Close() error
}

// Pipeline queues commands for ordered, atomic execution.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	Expire(key string, ttl time.Duration)
	Del(key string)
	SAdd(key string, members ...string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	HGetAll(key string) *MapResult
	Incr(key string)
	Exec(ctx context.Context) error
}

// MapResult holds the value of a pipelined HGetAll once Exec returns.
type MapResult struct {
	Val map[string]string
}

// Subscription is a live feed of messages on one channel.
type Subscription interface {
	// Receive blocks until a message arrives, the context is done, or the
	// subscription fails. A context deadline surfaces as ErrNoMessage.
	Receive(ctx context.Context) (string, error)
	Close() error
}
