// Package registry holds the authoritative in-memory view of tracked devices.
//
// The registry is a write-through cache over the device table: every mutation
// is persisted first and only then applied to memory, so a store failure
// leaves the cache exactly as it was. Mutations for one device id are
// serialized; different devices proceed in parallel.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/keylock"
)

// DeviceStore is the persistence the registry writes through to.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d *types.Device) error
	ListDevices(ctx context.Context, orgID string) ([]types.Device, error)
}

// Registry caches devices keyed by id.
type Registry struct {
	store  DeviceStore
	bus    events.Publisher
	clock  clockwork.Clock
	orgID  string
	logger *slog.Logger

	locks *keylock.Map

	mu      sync.RWMutex
	devices map[string]*types.Device
}

// New creates an empty registry for one organization.
func New(store DeviceStore, bus events.Publisher, clock clockwork.Clock, orgID string, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		bus:     bus,
		clock:   clock,
		orgID:   orgID,
		logger:  logger.With("component", "device_registry"),
		locks:   keylock.New(),
		devices: make(map[string]*types.Device),
	}
}

// Load replaces the cache with the store's devices and returns how many were loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	list, err := r.store.ListDevices(ctx, r.orgID)
	if err != nil {
		return 0, types.Persistence("load devices", err)
	}

	fresh := make(map[string]*types.Device, len(list))
	for i := range list {
		fresh[list[i].ID] = list[i].Clone()
	}

	r.mu.Lock()
	r.devices = fresh
	r.mu.Unlock()

	r.logger.Info("devices loaded", "count", len(fresh))
	return len(fresh), nil
}

// Register creates a new device. Missing ids are generated.
func (r *Registry) Register(ctx context.Context, spec types.DeviceSpec) (*types.Device, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.New().String()
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	if _, exists := r.lookup(id); exists {
		return nil, types.Validationf("register device", "device %s is already registered", id)
	}

	now := r.clock.Now()
	d := &types.Device{
		ID:                      id,
		Name:                    spec.Name,
		DeviceType:              spec.DeviceType,
		DeviceCategory:          spec.DeviceCategory,
		IPAddress:               spec.IPAddress,
		MACAddress:              spec.MACAddress,
		Status:                  types.DeviceStatusOffline,
		HealthScore:             100,
		CriticalAsset:           spec.CriticalAsset,
		LocationTrackingEnabled: true,
		OrganizationID:          r.orgID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if spec.Status != "" {
		d.Status = spec.Status
	}
	if spec.HealthScore != nil {
		d.HealthScore = *spec.HealthScore
	}
	if spec.LocationTrackingEnabled != nil {
		d.LocationTrackingEnabled = *spec.LocationTrackingEnabled
	}

	if err := r.commit(ctx, "register device", d); err != nil {
		return nil, err
	}

	r.logger.Info("device registered", "device_id", d.ID, "name", d.Name)
	r.bus.Publish(events.Event{Type: events.DeviceRegistered, Time: now, Payload: d.Clone()})
	return d.Clone(), nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (*types.Device, error) {
	d, ok := r.lookup(id)
	if !ok {
		return nil, types.NotFound("device", id)
	}
	return d.Clone(), nil
}

// List returns devices matching the filter, sorted by name then id.
func (r *Registry) List(filter types.DeviceFilter) []types.Device {
	r.mu.RLock()
	out := make([]types.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.Matches(d) {
			out = append(out, *d.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Device) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Counts summarizes the cache for stats.
func (r *Registry) Counts() types.DeviceCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := types.DeviceCounts{Total: len(r.devices)}
	for _, d := range r.devices {
		if d.Status == types.DeviceStatusOnline {
			c.Online++
		}
		if d.CriticalAsset {
			c.Critical++
		}
	}
	return c
}

// UpdateStatus changes a device's status and optionally its lastSeen and health.
// lastSeen never moves backwards: an older value is ignored.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status types.DeviceStatus, lastSeen *time.Time, healthScore *int) (*types.Device, error) {
	const op = "update device status"
	if !status.Valid() {
		return nil, types.Validationf(op, "invalid device status: %q", status)
	}
	if healthScore != nil && (*healthScore < 0 || *healthScore > 100) {
		return nil, types.Validationf(op, "health score must be between 0 and 100, got %d", *healthScore)
	}

	return r.mutate(ctx, op, id, func(d *types.Device) {
		d.Status = status
		if lastSeen != nil {
			advanceLastSeen(d, *lastSeen)
		}
		if healthScore != nil {
			d.HealthScore = *healthScore
		}
	})
}

// Touch marks the device online and seen at the given time. Used by ingest.
func (r *Registry) Touch(ctx context.Context, id string, at time.Time) (*types.Device, error) {
	return r.mutate(ctx, "touch device", id, func(d *types.Device) {
		d.Status = types.DeviceStatusOnline
		advanceLastSeen(d, at)
	})
}

// mutate applies fn to a copy of the device, persists it, then swaps it in.
func (r *Registry) mutate(ctx context.Context, op, id string, fn func(*types.Device)) (*types.Device, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	current, ok := r.lookup(id)
	if !ok {
		return nil, types.NotFound("device", id)
	}

	next := current.Clone()
	fn(next)
	next.UpdatedAt = r.clock.Now()

	if err := r.commit(ctx, op, next); err != nil {
		return nil, err
	}

	if next.Status != current.Status {
		r.logger.Info("device status changed",
			"device_id", id,
			"from", current.Status,
			"to", next.Status,
		)
		r.bus.Publish(events.Event{
			Type: events.DeviceStatusChange,
			Time: next.UpdatedAt,
			Payload: events.StatusChangePayload{
				Device:         next.Clone(),
				PreviousStatus: current.Status,
				Status:         next.Status,
			},
		})
	}
	return next.Clone(), nil
}

// commit writes through to the store and, only on success, updates the cache.
// Callers hold the device lock.
func (r *Registry) commit(ctx context.Context, op string, d *types.Device) error {
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		r.logger.Error("device write-through failed", "device_id", d.ID, "op", op, "error", err)
		return types.Persistence(op, err)
	}
	r.mu.Lock()
	r.devices[d.ID] = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) lookup(id string) (*types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

func advanceLastSeen(d *types.Device, at time.Time) {
	if d.LastSeen != nil && at.Before(*d.LastSeen) {
		return
	}
	t := at
	d.LastSeen = &t
}
