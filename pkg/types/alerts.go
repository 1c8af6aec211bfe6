// Package types - Location alerts
//
// # Alert Lifecycle
//
// Alerts are created by the engine when a rule fires (geofence entry, implausible
// movement) and then move through a one-way state machine:
//
//	active -> acknowledged -> resolved
//	active -> resolved
//
// Nothing leaves resolved. Critical alerts that are still active five minutes
// after creation are escalated once (escalation_level 0 -> 1).
package types

import "time"

// =============================================================================
// ALERT
// =============================================================================

// Alert is a location-derived security or compliance finding.
type Alert struct {
	ID              string        `json:"id"`
	AlertType       AlertType     `json:"alert_type"`
	Severity        AlertSeverity `json:"severity"`
	Status          AlertStatus   `json:"status"`
	EscalationLevel int           `json:"escalation_level"`

	DeviceID          string      `json:"device_id"`
	GeofenceID        *string     `json:"geofence_id,omitempty"`
	LocationHistoryID *string     `json:"location_history_id,omitempty"`
	CurrentLocation   *Coordinate `json:"current_location,omitempty"`

	Title          string         `json:"title"`
	Description    string         `json:"description"`
	RiskAssessment map[string]any `json:"risk_assessment,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy whose pointer fields do not alias the original.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.GeofenceID != nil {
		v := *a.GeofenceID
		c.GeofenceID = &v
	}
	if a.LocationHistoryID != nil {
		v := *a.LocationHistoryID
		c.LocationHistoryID = &v
	}
	if a.CurrentLocation != nil {
		v := *a.CurrentLocation
		c.CurrentLocation = &v
	}
	if a.AcknowledgedAt != nil {
		v := *a.AcknowledgedAt
		c.AcknowledgedAt = &v
	}
	if a.ResolvedAt != nil {
		v := *a.ResolvedAt
		c.ResolvedAt = &v
	}
	if a.RiskAssessment != nil {
		c.RiskAssessment = make(map[string]any, len(a.RiskAssessment))
		for k, v := range a.RiskAssessment {
			c.RiskAssessment[k] = v
		}
	}
	return &c
}

// IsOpen reports whether the alert still needs attention.
func (a *Alert) IsOpen() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusAcknowledged
}

// Apply returns a copy of a with the patch applied.
func (a *Alert) Apply(p AlertPatch) *Alert {
	c := a.Clone()
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.EscalationLevel != nil {
		c.EscalationLevel = *p.EscalationLevel
	}
	if p.AcknowledgedBy != nil {
		c.AcknowledgedBy = *p.AcknowledgedBy
	}
	if p.AcknowledgedAt != nil {
		t := *p.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	c.UpdatedAt = p.UpdatedAt
	return c
}

// AlertSpec is what a rule hands the alert manager.
type AlertSpec struct {
	AlertType         AlertType
	Severity          AlertSeverity
	DeviceID          string
	GeofenceID        *string
	LocationHistoryID *string
	CurrentLocation   *Coordinate
	Title             string
	Description       string
	RiskAssessment    map[string]any
}

// AlertPatch is a partial update. UpdatedAt is always written.
type AlertPatch struct {
	Status          *AlertStatus `json:"status,omitempty"`
	EscalationLevel *int         `json:"escalation_level,omitempty"`
	AcknowledgedBy  *string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time   `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`

	// EventType is recorded in the append-only alert history.
	EventType string `json:"-"`
	// TriggeredBy is "system", "escalation" or "user:<name>".
	TriggeredBy string `json:"-"`
}

// AlertEvent is a single change in an alert's history. Append-only.
type AlertEvent struct {
	ID          int64     `json:"id"`
	AlertID     string    `json:"alert_id"`
	EventType   string    `json:"event_type"` // created, escalated, acknowledged, resolved
	TriggeredBy string    `json:"triggered_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertFilter for listing alerts with filtering.
type AlertFilter struct {
	Status   *AlertStatus   `json:"status,omitempty"`
	Severity *AlertSeverity `json:"severity,omitempty"`
	DeviceID *string        `json:"device_id,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// Matches reports whether a passes the filter (Limit is applied by the caller).
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.DeviceID != nil && a.DeviceID != *f.DeviceID {
		return false
	}
	return true
}

// =============================================================================
// ENUMS
// =============================================================================

// AlertSeverity indicates urgency level.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical" // Immediate action required
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityLow      AlertSeverity = "low" // Informational
)

// Level returns numeric level for comparison (higher = more severe).
func (s AlertSeverity) Level() int {
	switch s {
	case AlertSeverityCritical:
		return 4
	case AlertSeverityHigh:
		return 3
	case AlertSeverityMedium:
		return 2
	case AlertSeverityLow:
		return 1
	default:
		return 0
	}
}

// AlertType categorizes the nature of the alert.
type AlertType string

const (
	AlertTypeGeofenceBreach       AlertType = "geofence_breach"
	AlertTypeSuspiciousLocation   AlertType = "suspicious_location"
	AlertTypeDeviceOffline        AlertType = "device_offline"
	AlertTypeUnauthorizedMovement AlertType = "unauthorized_movement"
	AlertTypeComplianceViolation  AlertType = "compliance_violation"
)

// AlertStatus tracks the alert lifecycle.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Same-state moves are reported as allowed; callers treat them as no-ops.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case AlertStatusActive:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	}
	return false
}
