package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pilot-net/geotrack/pkg/types"
)

// =============================================================================
// GEOFENCES
// =============================================================================

// ListGeofences returns active fences for the organization. Expiry is left to
// the catalog so a reload is not needed the moment a fence expires.
func (s *Store) ListGeofences(ctx context.Context, orgID string) ([]types.Geofence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, fence_type, center_latitude, center_longitude, radius_meters,
			vertices, alert_on_entry, alert_on_exit, security_level, compliance_zone, priority,
			is_active, organization_id, expires_at, created_at
		FROM geofences
		WHERE is_active AND ($1 = '' OR organization_id = $1)
		ORDER BY id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Geofence, error) {
		var g types.Geofence
		var verticesJSON []byte
		err := row.Scan(
			&g.ID, &g.Name, &g.Description, &g.FenceType, &g.CenterLatitude, &g.CenterLongitude, &g.RadiusMeters,
			&verticesJSON, &g.AlertOnEntry, &g.AlertOnExit, &g.SecurityLevel, &g.ComplianceZone, &g.Priority,
			&g.IsActive, &g.OrganizationID, &g.ExpiresAt, &g.CreatedAt,
		)
		if err != nil {
			return g, err
		}
		if len(verticesJSON) > 0 {
			if err := json.Unmarshal(verticesJSON, &g.Vertices); err != nil {
				return g, fmt.Errorf("decode vertices for geofence %s: %w", g.ID, err)
			}
		}
		return g, nil
	})
}

// InsertGeofence stores a new fence.
func (s *Store) InsertGeofence(ctx context.Context, g *types.Geofence) error {
	vertices := g.Vertices
	if vertices == nil {
		vertices = []types.Coordinate{}
	}
	verticesJSON, err := json.Marshal(vertices)
	if err != nil {
		return fmt.Errorf("encode vertices: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO geofences (
			id, name, description, fence_type, center_latitude, center_longitude, radius_meters,
			vertices, alert_on_entry, alert_on_exit, security_level, compliance_zone, priority,
			is_active, organization_id, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		g.ID, g.Name, g.Description, g.FenceType, g.CenterLatitude, g.CenterLongitude, g.RadiusMeters,
		verticesJSON, g.AlertOnEntry, g.AlertOnExit, g.SecurityLevel, g.ComplianceZone, g.Priority,
		g.IsActive, g.OrganizationID, g.ExpiresAt, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert geofence %s: %w", g.Name, err)
	}
	return nil
}
