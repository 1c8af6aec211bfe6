package alerting

import (
	"fmt"
	"time"

	"github.com/pilot-net/geotrack/pkg/types"
)

// BreachEntry is the only breach type raised today.
const BreachEntry = "entry"

// BreachSeverity maps a fence to the severity of an entry alert. The first
// matching rule wins:
//
//	classified       -> critical
//	restricted       -> high
//	compliance zone  -> high
//	priority >= 8    -> medium
//	otherwise        -> low
func BreachSeverity(g *types.Geofence) types.AlertSeverity {
	switch {
	case g.SecurityLevel == types.SecurityLevelClassified:
		return types.AlertSeverityCritical
	case g.SecurityLevel == types.SecurityLevelRestricted:
		return types.AlertSeverityHigh
	case g.ComplianceZone:
		return types.AlertSeverityHigh
	case g.Priority >= 8:
		return types.AlertSeverityMedium
	default:
		return types.AlertSeverityLow
	}
}

// Breach describes an entry into g.
func Breach(g *types.Geofence) types.GeofenceBreach {
	return types.GeofenceBreach{
		GeofenceID:   g.ID,
		GeofenceName: g.Name,
		BreachType:   BreachEntry,
		Security:     g.SecurityLevel,
	}
}

// BreachSpec builds the geofence_breach alert request for rec entering g.
func BreachSpec(rec *types.LocationRecord, g *types.Geofence) types.AlertSpec {
	fenceID := g.ID
	recID := rec.ID
	spec := types.AlertSpec{
		AlertType:         types.AlertTypeGeofenceBreach,
		Severity:          BreachSeverity(g),
		DeviceID:          rec.DeviceID,
		GeofenceID:        &fenceID,
		LocationHistoryID: &recID,
		Title:             "Geofence " + BreachEntry + ": " + g.Name,
		Description:       fmt.Sprintf("Device %s geofence %q at %s", BreachEntry, g.Name, rec.RecordedAt.UTC().Format(time.RFC3339)),
		RiskAssessment: map[string]any{
			"breachType":   BreachEntry,
			"geofenceName": g.Name,
			"timestamp":    rec.RecordedAt.UTC().Format(time.RFC3339),
		},
	}
	if rec.HasPosition() {
		spec.CurrentLocation = &types.Coordinate{Latitude: *rec.Latitude, Longitude: *rec.Longitude}
	}
	return spec
}
