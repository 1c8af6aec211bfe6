package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pilot-net/geotrack/pkg/types"
)

// =============================================================================
// LOCATION HISTORY (append-only)
// =============================================================================

const historyColumns = `id, device_id, latitude, longitude, altitude, accuracy, location_method,
	address, city, state, country, battery_level, signal_strength, reported_by,
	geofence_ids, recorded_at`

// InsertLocationHistory appends one record.
func (s *Store) InsertLocationHistory(ctx context.Context, rec *types.LocationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_location_history (`+historyColumns+`, is_inside_geofence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, historyArgs(rec)...)
	if err != nil {
		return fmt.Errorf("insert location history for %s: %w", rec.DeviceID, err)
	}
	return nil
}

// ImportLocationHistory bulk-loads backfilled records with COPY.
func (s *Store) ImportLocationHistory(ctx context.Context, recs []types.LocationRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(recs))
	for i := range recs {
		rows[i] = historyArgs(&recs[i])
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"device_location_history"},
		[]string{
			"id", "device_id", "latitude", "longitude", "altitude", "accuracy", "location_method",
			"address", "city", "state", "country", "battery_level", "signal_strength", "reported_by",
			"geofence_ids", "recorded_at", "is_inside_geofence",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy location history: %w", err)
	}
	return n, nil
}

func historyArgs(r *types.LocationRecord) []any {
	ids := r.InsideGeofenceIDs
	if ids == nil {
		ids = []string{}
	}
	return []any{
		r.ID, r.DeviceID, r.Latitude, r.Longitude, r.Altitude, r.Accuracy, string(r.LocationMethod),
		r.Address, r.City, r.State, r.Country, r.BatteryLevel, r.SignalStrength, r.ReportedBy,
		ids, r.RecordedAt, len(ids) > 0,
	}
}

// LatestLocationHistory returns the newest record for a device.
func (s *Store) LatestLocationHistory(ctx context.Context, deviceID string) (*types.LocationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+`
		FROM device_location_history
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("latest location for %s: %w", deviceID, err)
	}
	rec, err := pgx.CollectOneRow(rows, scanHistory)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListLocationHistory returns up to limit records, newest first.
func (s *Store) ListLocationHistory(ctx context.Context, deviceID string, limit int) ([]types.LocationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+`
		FROM device_location_history
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list location history for %s: %w", deviceID, err)
	}
	return pgx.CollectRows(rows, scanHistory)
}

// CountLocationHistorySince counts records recorded at or after since.
func (s *Store) CountLocationHistorySince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM device_location_history WHERE recorded_at >= $1
	`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count location history: %w", err)
	}
	return n, nil
}

func scanHistory(row pgx.CollectableRow) (types.LocationRecord, error) {
	var r types.LocationRecord
	var method string
	err := row.Scan(
		&r.ID, &r.DeviceID, &r.Latitude, &r.Longitude, &r.Altitude, &r.Accuracy, &method,
		&r.Address, &r.City, &r.State, &r.Country, &r.BatteryLevel, &r.SignalStrength, &r.ReportedBy,
		&r.InsideGeofenceIDs, &r.RecordedAt,
	)
	r.LocationMethod = types.LocationMethod(method)
	return r, err
}
