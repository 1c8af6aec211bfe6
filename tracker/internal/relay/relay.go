// Package relay mirrors engine events into Redis for consumers outside the
// process.
//
// Every event is published as JSON on geotrack:<org>:events. Location
// updates with a position also GEOADD the device into geotrack:<org>:geo and
// refresh the geotrack:device:<id>:state hash, which expires when the device
// stops reporting.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/geotrack/tracker/internal/events"
)

// DefaultStateTTL is how long a device state hash outlives its last update.
const DefaultStateTTL = 10 * time.Minute

// Config for the relay.
type Config struct {
	OrganizationID string
	StateTTL       time.Duration
	Buffer         int
}

// Plan is the set of Redis writes for one event.
type Plan struct {
	Channel string
	Message []byte

	GeoKey string
	Geo    *redis.GeoLocation

	StateKey string
	State    map[string]any
}

// Relay drains a bus subscription into Redis.
type Relay struct {
	client *redis.Client
	config Config
	logger *slog.Logger

	relayed atomic.Int64
	failed  atomic.Int64
}

// New creates a relay over client.
func New(client *redis.Client, config Config, logger *slog.Logger) *Relay {
	if config.StateTTL <= 0 {
		config.StateTTL = DefaultStateTTL
	}
	return &Relay{
		client: client,
		config: config,
		logger: logger.With("component", "relay"),
	}
}

// Run subscribes to bus and writes until ctx is cancelled or the bus closes.
func (r *Relay) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("redis-relay", r.config.Buffer)
	defer sub.Unsubscribe()

	r.logger.Info("relay started", "channel", eventsChannel(r.config.OrganizationID))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped", "relayed", r.relayed.Load(), "failed", r.failed.Load())
			return
		case ev, ok := <-sub.C:
			if !ok {
				r.logger.Info("relay stopped: bus closed", "relayed", r.relayed.Load(), "failed", r.failed.Load())
				return
			}
			if err := r.write(ctx, ev); err != nil {
				r.failed.Add(1)
				r.logger.Warn("relay write failed", "event", ev.Type, "error", err)
				continue
			}
			r.relayed.Add(1)
		}
	}
}

// Counts returns events written and events that failed.
func (r *Relay) Counts() (relayed, failed int64) {
	return r.relayed.Load(), r.failed.Load()
}

func (r *Relay) write(ctx context.Context, ev events.Event) error {
	plan, err := BuildPlan(r.config.OrganizationID, ev)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	if plan.State != nil {
		pipe.HSet(ctx, plan.StateKey, plan.State)
		pipe.Expire(ctx, plan.StateKey, r.config.StateTTL)
	}
	if plan.Geo != nil {
		pipe.GeoAdd(ctx, plan.GeoKey, plan.Geo)
	}
	pipe.Publish(ctx, plan.Channel, plan.Message)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// BuildPlan decides what to write for ev.
func BuildPlan(orgID string, ev events.Event) (*Plan, error) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	plan := &Plan{
		Channel: eventsChannel(orgID),
		Message: msg,
	}

	switch p := ev.Payload.(type) {
	case events.LocationPayload:
		if p.Device == nil || p.Record == nil {
			break
		}
		rec := p.Record
		plan.StateKey = stateKey(p.Device.ID)
		plan.State = map[string]any{
			"device_id":   p.Device.ID,
			"status":      string(p.Device.Status),
			"health":      p.Device.HealthScore,
			"record_id":   rec.ID,
			"method":      string(rec.LocationMethod),
			"inside":      len(rec.InsideGeofenceIDs),
			"recorded_at": rec.RecordedAt.Unix(),
		}
		if rec.HasPosition() {
			plan.State["lat"] = *rec.Latitude
			plan.State["lng"] = *rec.Longitude
			plan.GeoKey = geoKey(orgID)
			plan.Geo = &redis.GeoLocation{
				Name:      p.Device.ID,
				Longitude: *rec.Longitude,
				Latitude:  *rec.Latitude,
			}
		}
	case events.StatusChangePayload:
		if p.Device == nil {
			break
		}
		plan.StateKey = stateKey(p.Device.ID)
		plan.State = map[string]any{
			"device_id": p.Device.ID,
			"status":    string(p.Status),
			"health":    p.Device.HealthScore,
		}
	}
	return plan, nil
}

func scope(orgID string) string {
	if orgID == "" {
		return "default"
	}
	return orgID
}

func eventsChannel(orgID string) string { return fmt.Sprintf("geotrack:%s:events", scope(orgID)) }
func geoKey(orgID string) string        { return fmt.Sprintf("geotrack:%s:geo", scope(orgID)) }
func stateKey(deviceID string) string   { return fmt.Sprintf("geotrack:device:%s:state", deviceID) }
