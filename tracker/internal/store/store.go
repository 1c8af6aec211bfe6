// Package store is the persistence collaborator for the tracking engine.
//
// # Design
//
// The Postgres store is the system of record. Engine caches are rebuildable
// projections of it, so every method here is a plain read or a single write
// (alerts add an alert_events row in the same transaction). Getters return
// nil, nil when the row does not exist.
//
// MemoryStore implements the same methods for development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pilot-net/geotrack/pkg/types"
)

// Backend is the full method set shared by Store and MemoryStore.
type Backend interface {
	UpsertDevice(ctx context.Context, d *types.Device) error
	ListDevices(ctx context.Context, orgID string) ([]types.Device, error)

	InsertLocationHistory(ctx context.Context, rec *types.LocationRecord) error
	ImportLocationHistory(ctx context.Context, recs []types.LocationRecord) (int64, error)
	LatestLocationHistory(ctx context.Context, deviceID string) (*types.LocationRecord, error)
	ListLocationHistory(ctx context.Context, deviceID string, limit int) ([]types.LocationRecord, error)
	CountLocationHistorySince(ctx context.Context, since time.Time) (int64, error)

	ListGeofences(ctx context.Context, orgID string) ([]types.Geofence, error)
	InsertGeofence(ctx context.Context, g *types.Geofence) error

	InsertAlert(ctx context.Context, a *types.Alert) error
	UpdateAlert(ctx context.Context, id string, patch types.AlertPatch) (*types.Alert, error)
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error)
	ListOpenAlerts(ctx context.Context, orgID string) ([]types.Alert, error)

	ListAssets(ctx context.Context, orgID string) ([]types.Asset, error)
	ListNetworkSegments(ctx context.Context, orgID string) ([]types.NetworkSegment, error)

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Store provides Postgres-backed persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL connects to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// DEVICES
// =============================================================================

const deviceColumns = `id, name, device_type, device_category, ip_address, mac_address, status,
	health_score, critical_asset, last_seen, location_tracking_enabled, organization_id,
	created_at, updated_at`

// UpsertDevice inserts or fully replaces a device row.
func (s *Store) UpsertDevice(ctx context.Context, d *types.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			device_type = EXCLUDED.device_type,
			device_category = EXCLUDED.device_category,
			ip_address = EXCLUDED.ip_address,
			mac_address = EXCLUDED.mac_address,
			status = EXCLUDED.status,
			health_score = EXCLUDED.health_score,
			critical_asset = EXCLUDED.critical_asset,
			last_seen = EXCLUDED.last_seen,
			location_tracking_enabled = EXCLUDED.location_tracking_enabled,
			updated_at = EXCLUDED.updated_at
	`,
		d.ID, d.Name, d.DeviceType, d.DeviceCategory, d.IPAddress, d.MACAddress, d.Status,
		d.HealthScore, d.CriticalAsset, d.LastSeen, d.LocationTrackingEnabled, d.OrganizationID,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// ListDevices returns every device in the organization. An empty orgID lists all.
func (s *Store) ListDevices(ctx context.Context, orgID string) ([]types.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE $1 = '' OR organization_id = $1
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return pgx.CollectRows(rows, scanDevice)
}

func scanDevice(row pgx.CollectableRow) (types.Device, error) {
	var d types.Device
	err := row.Scan(
		&d.ID, &d.Name, &d.DeviceType, &d.DeviceCategory, &d.IPAddress, &d.MACAddress, &d.Status,
		&d.HealthScore, &d.CriticalAsset, &d.LastSeen, &d.LocationTrackingEnabled, &d.OrganizationID,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// =============================================================================
// INVENTORY
// =============================================================================

// ListAssets returns tracked assets for the organization.
func (s *Store) ListAssets(ctx context.Context, orgID string) ([]types.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, asset_type, COALESCE(device_id, ''), criticality, organization_id
		FROM tracked_assets
		WHERE $1 = '' OR organization_id = $1
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Asset, error) {
		var a types.Asset
		err := row.Scan(&a.ID, &a.Name, &a.AssetType, &a.DeviceID, &a.Criticality, &a.OrganizationID)
		return a, err
	})
}

// ListNetworkSegments returns network segments for the organization.
func (s *Store) ListNetworkSegments(ctx context.Context, orgID string) ([]types.NetworkSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cidr, device_ids, organization_id
		FROM network_segments
		WHERE $1 = '' OR organization_id = $1
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list network segments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.NetworkSegment, error) {
		var n types.NetworkSegment
		err := row.Scan(&n.ID, &n.Name, &n.CIDR, &n.DeviceIDs, &n.OrganizationID)
		return n, err
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
