package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pilot-net/geotrack/pkg/types"
)

// =============================================================================
// ALERTS - LIFECYCLE WITH EVENT HISTORY
// =============================================================================

const alertColumns = `id, alert_type, severity, status, escalation_level, device_id, geofence_id,
	location_history_id, current_latitude, current_longitude, title, description, risk_assessment,
	organization_id, COALESCE(acknowledged_by, ''), acknowledged_at, resolved_at, created_at, updated_at`

// InsertAlert stores a new alert and its "created" event.
func (s *Store) InsertAlert(ctx context.Context, a *types.Alert) error {
	riskJSON, err := json.Marshal(a.RiskAssessment)
	if err != nil {
		return fmt.Errorf("encode risk assessment: %w", err)
	}
	var lat, lon *float64
	if a.CurrentLocation != nil {
		lat, lon = &a.CurrentLocation.Latitude, &a.CurrentLocation.Longitude
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO location_alerts (
			id, alert_type, severity, status, escalation_level, device_id, geofence_id,
			location_history_id, current_latitude, current_longitude, title, description,
			risk_assessment, organization_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		a.ID, a.AlertType, a.Severity, a.Status, a.EscalationLevel, a.DeviceID, a.GeofenceID,
		a.LocationHistoryID, lat, lon, a.Title, a.Description,
		riskJSON, a.OrganizationID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alert_events (alert_id, event_type, new_status, triggered_by, created_at)
		VALUES ($1, 'created', $2, 'system', $3)
	`, a.ID, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert created event: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateAlert applies a patch and records an alert_events row. Returns nil, nil
// when the alert does not exist.
func (s *Store) UpdateAlert(ctx context.Context, id string, patch types.AlertPatch) (*types.Alert, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+alertColumns+` FROM location_alerts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock alert %s: %w", id, err)
	}
	current, err := pgx.CollectOneRow(rows, scanAlert)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	updated := current.Apply(patch)
	_, err = tx.Exec(ctx, `
		UPDATE location_alerts SET
			status = $2,
			escalation_level = $3,
			acknowledged_by = NULLIF($4, ''),
			acknowledged_at = $5,
			resolved_at = $6,
			updated_at = $7
		WHERE id = $1
	`, id, updated.Status, updated.EscalationLevel, updated.AcknowledgedBy,
		updated.AcknowledgedAt, updated.ResolvedAt, updated.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}

	eventType := patch.EventType
	if eventType == "" {
		eventType = "updated"
	}
	triggeredBy := patch.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "system"
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO alert_events (alert_id, event_type, old_status, new_status, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, eventType, current.Status, updated.Status, triggeredBy, patch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert %s event: %w", eventType, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit alert update: %w", err)
	}
	return updated, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM location_alerts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	a, err := pgx.CollectOneRow(rows, scanAlert)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	where := "1=1"
	args := []any{}
	argNum := 1

	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, *filter.Severity)
		argNum++
	}
	if filter.DeviceID != nil {
		where += fmt.Sprintf(" AND device_id = $%d", argNum)
		args = append(args, *filter.DeviceID)
		argNum++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM location_alerts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, alertColumns, where, argNum)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return pgx.CollectRows(rows, scanAlert)
}

// ListOpenAlerts returns every active or acknowledged alert, used to rebuild
// the alert queue at startup.
func (s *Store) ListOpenAlerts(ctx context.Context, orgID string) ([]types.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM location_alerts
		WHERE status IN ('active', 'acknowledged') AND ($1 = '' OR organization_id = $1)
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	return pgx.CollectRows(rows, scanAlert)
}

func scanAlert(row pgx.CollectableRow) (types.Alert, error) {
	var a types.Alert
	var lat, lon *float64
	var riskJSON []byte
	err := row.Scan(
		&a.ID, &a.AlertType, &a.Severity, &a.Status, &a.EscalationLevel, &a.DeviceID, &a.GeofenceID,
		&a.LocationHistoryID, &lat, &lon, &a.Title, &a.Description, &riskJSON,
		&a.OrganizationID, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	if lat != nil && lon != nil {
		a.CurrentLocation = &types.Coordinate{Latitude: *lat, Longitude: *lon}
	}
	if len(riskJSON) > 0 {
		json.Unmarshal(riskJSON, &a.RiskAssessment)
	}
	return a, nil
}
