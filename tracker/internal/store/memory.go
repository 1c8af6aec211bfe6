package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pilot-net/geotrack/pkg/types"
)

// MemoryStore is an in-memory Backend guarded by a single mutex. Suitable for
// development, tests and single-node demos; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]types.Device
	history   map[string][]types.LocationRecord // per device, append order
	geofences map[string]types.Geofence
	alerts    map[string]types.Alert
	events    []types.AlertEvent
	assets    []types.Asset
	segments  []types.NetworkSegment
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]types.Device),
		history:   make(map[string][]types.LocationRecord),
		geofences: make(map[string]types.Geofence),
		alerts:    make(map[string]types.Alert),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close()                         {}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func (m *MemoryStore) UpsertDevice(ctx context.Context, d *types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = *d.Clone()
	return nil
}

func (m *MemoryStore) ListDevices(ctx context.Context, orgID string) ([]types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if orgID == "" || d.OrganizationID == orgID {
			out = append(out, *d.Clone())
		}
	}
	slices.SortFunc(out, func(a, b types.Device) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Location history
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertLocationHistory(ctx context.Context, rec *types.LocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[rec.DeviceID] = append(m.history[rec.DeviceID], *rec)
	return nil
}

func (m *MemoryStore) ImportLocationHistory(ctx context.Context, recs []types.LocationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.history[r.DeviceID] = append(m.history[r.DeviceID], r)
	}
	return int64(len(recs)), nil
}

func (m *MemoryStore) LatestLocationHistory(ctx context.Context, deviceID string) (*types.LocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *types.LocationRecord
	for i, r := range m.history[deviceID] {
		if latest == nil || !r.RecordedAt.Before(latest.RecordedAt) {
			latest = &m.history[deviceID][i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (m *MemoryStore) ListLocationHistory(ctx context.Context, deviceID string, limit int) ([]types.LocationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	out := slices.Clone(m.history[deviceID])
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b types.LocationRecord) int { return b.RecordedAt.Compare(a.RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountLocationHistorySince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, recs := range m.history {
		for _, r := range recs {
			if !r.RecordedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Geofences
// ---------------------------------------------------------------------------

func (m *MemoryStore) ListGeofences(ctx context.Context, orgID string) ([]types.Geofence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Geofence, 0, len(m.geofences))
	for _, g := range m.geofences {
		if g.IsActive && (orgID == "" || g.OrganizationID == orgID) {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b types.Geofence) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) InsertGeofence(ctx context.Context, g *types.Geofence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.geofences[g.ID]; exists {
		return fmt.Errorf("geofence %q already exists", g.ID)
	}
	m.geofences[g.ID] = *g
	return nil
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertAlert(ctx context.Context, a *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.alerts[a.ID]; exists {
		return fmt.Errorf("alert %q already exists", a.ID)
	}
	m.alerts[a.ID] = *a.Clone()
	m.events = append(m.events, types.AlertEvent{
		ID: int64(len(m.events) + 1), AlertID: a.ID, EventType: "created", TriggeredBy: "system", CreatedAt: a.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) UpdateAlert(ctx context.Context, id string, patch types.AlertPatch) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	updated := current.Apply(patch)
	m.alerts[id] = *updated

	eventType := patch.EventType
	if eventType == "" {
		eventType = "updated"
	}
	triggeredBy := patch.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "system"
	}
	m.events = append(m.events, types.AlertEvent{
		ID: int64(len(m.events) + 1), AlertID: id, EventType: eventType, TriggeredBy: triggeredBy, CreatedAt: patch.UpdatedAt,
	})
	return updated.Clone(), nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	out := make([]types.Alert, 0)
	for _, a := range m.alerts {
		if filter.Matches(&a) {
			out = append(out, *a.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Alert) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpenAlerts(ctx context.Context, orgID string) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Alert
	for _, a := range m.alerts {
		if a.IsOpen() && (orgID == "" || a.OrganizationID == orgID) {
			out = append(out, *a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b types.Alert) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// AlertEvents returns the append-only history for one alert.
func (m *MemoryStore) AlertEvents(alertID string) []types.AlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.AlertEvent
	for _, e := range m.events {
		if e.AlertID == alertID {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Inventory
// ---------------------------------------------------------------------------

// AddAsset seeds an asset. There is no engine write path for inventory.
func (m *MemoryStore) AddAsset(a types.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets = append(m.assets, a)
}

// AddNetworkSegment seeds a network segment.
func (m *MemoryStore) AddNetworkSegment(n types.NetworkSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, n)
}

func (m *MemoryStore) ListAssets(ctx context.Context, orgID string) ([]types.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Asset
	for _, a := range m.assets {
		if orgID == "" || a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListNetworkSegments(ctx context.Context, orgID string) ([]types.NetworkSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.NetworkSegment
	for _, n := range m.segments {
		if orgID == "" || n.OrganizationID == orgID {
			out = append(out, n)
		}
	}
	return out, nil
}
