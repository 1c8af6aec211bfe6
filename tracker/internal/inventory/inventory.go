// Package inventory caches assets and network segments. They are reporting
// attributes carried alongside devices and have no engine write path.
package inventory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilot-net/geotrack/pkg/types"
)

// Store supplies inventory rows.
type Store interface {
	ListAssets(ctx context.Context, orgID string) ([]types.Asset, error)
	ListNetworkSegments(ctx context.Context, orgID string) ([]types.NetworkSegment, error)
}

// Inventory is a reloadable projection of assets and segments.
type Inventory struct {
	store  Store
	orgID  string
	logger *slog.Logger

	mu       sync.RWMutex
	assets   map[string]types.Asset
	segments map[string]types.NetworkSegment
	byDevice map[string][]string // device id -> asset ids
}

// New creates an empty inventory.
func New(store Store, orgID string, logger *slog.Logger) *Inventory {
	return &Inventory{
		store:    store,
		orgID:    orgID,
		logger:   logger.With("component", "inventory"),
		assets:   map[string]types.Asset{},
		segments: map[string]types.NetworkSegment{},
		byDevice: map[string][]string{},
	}
}

// Load refreshes both caches and returns the asset and segment counts.
func (inv *Inventory) Load(ctx context.Context) (int, int, error) {
	assets, err := inv.store.ListAssets(ctx, inv.orgID)
	if err != nil {
		return 0, 0, types.Persistence("load assets", err)
	}
	segments, err := inv.store.ListNetworkSegments(ctx, inv.orgID)
	if err != nil {
		return 0, 0, types.Persistence("load network segments", err)
	}

	a := make(map[string]types.Asset, len(assets))
	byDevice := map[string][]string{}
	for _, asset := range assets {
		a[asset.ID] = asset
		if asset.DeviceID != "" {
			byDevice[asset.DeviceID] = append(byDevice[asset.DeviceID], asset.ID)
		}
	}
	s := make(map[string]types.NetworkSegment, len(segments))
	for _, seg := range segments {
		s[seg.ID] = seg
	}

	inv.mu.Lock()
	inv.assets, inv.segments, inv.byDevice = a, s, byDevice
	inv.mu.Unlock()

	inv.logger.Info("inventory loaded", "assets", len(a), "network_segments", len(s))
	return len(a), len(s), nil
}

// Counts returns the number of cached assets and segments.
func (inv *Inventory) Counts() (assets, segments int) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.assets), len(inv.segments)
}

// AssetsForDevice returns assets attached to a device.
func (inv *Inventory) AssetsForDevice(deviceID string) []types.Asset {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []types.Asset
	for _, id := range inv.byDevice[deviceID] {
		out = append(out, inv.assets[id])
	}
	return out
}

// SegmentsForDevice returns the network segments that list the device.
func (inv *Inventory) SegmentsForDevice(deviceID string) []types.NetworkSegment {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []types.NetworkSegment
	for _, seg := range inv.segments {
		for _, id := range seg.DeviceIDs {
			if id == deviceID {
				out = append(out, seg)
				break
			}
		}
	}
	return out
}
