// Package anomaly flags physically implausible movement between consecutive
// location records of one device.
package anomaly

import (
	"fmt"
	"math"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/geo"
)

// DefaultMaxSpeedMetersPerSecond is about 180 km/h.
const DefaultMaxSpeedMetersPerSecond = 50.0

// TypeSpeed is the only anomaly type currently raised.
const TypeSpeed = "speed"

// Anomaly describes an implausible transition.
type Anomaly struct {
	Type           string  `json:"anomaly_type"`
	DistanceMeters float64 `json:"distance"`
	ElapsedSeconds float64 `json:"time_frame"`
	SpeedMps       float64 `json:"speed_mps"`
	SpeedKmh       float64 `json:"calculated_speed"`
}

// Detector compares a record with the one before it.
type Detector struct {
	maxSpeed float64 // m/s
}

// NewDetector returns a detector with the given threshold in metres per second.
// A non-positive threshold selects DefaultMaxSpeedMetersPerSecond.
func NewDetector(maxSpeedMps float64) *Detector {
	if maxSpeedMps <= 0 {
		maxSpeedMps = DefaultMaxSpeedMetersPerSecond
	}
	return &Detector{maxSpeed: maxSpeedMps}
}

// Threshold returns the configured limit in m/s.
func (d *Detector) Threshold() float64 { return d.maxSpeed }

// Check returns an anomaly when moving from previous to current implies a
// speed above the threshold. A missing previous record, missing coordinates
// or a non-positive time delta yield nil.
func (d *Detector) Check(current, previous *types.LocationRecord) *Anomaly {
	if current == nil || previous == nil {
		return nil
	}
	if !current.HasPosition() || !previous.HasPosition() {
		return nil
	}

	elapsed := current.RecordedAt.Sub(previous.RecordedAt).Seconds()
	if elapsed <= 0 {
		return nil
	}

	distance := geo.HaversineMeters(*previous.Latitude, *previous.Longitude, *current.Latitude, *current.Longitude)
	speed := distance / elapsed
	if speed <= d.maxSpeed {
		return nil
	}

	return &Anomaly{
		Type:           TypeSpeed,
		DistanceMeters: distance,
		ElapsedSeconds: elapsed,
		SpeedMps:       speed,
		SpeedKmh:       speed * 3.6,
	}
}

// Spec turns an anomaly into a suspicious_location alert request.
func (a *Anomaly) Spec(rec *types.LocationRecord) types.AlertSpec {
	recID := rec.ID
	spec := types.AlertSpec{
		AlertType:         types.AlertTypeSuspiciousLocation,
		Severity:          types.AlertSeverityMedium,
		DeviceID:          rec.DeviceID,
		LocationHistoryID: &recID,
		Title:             "Unusual Movement Detected",
		Description: fmt.Sprintf("Device moved %dm in %ds (%d km/h)",
			int(math.Round(a.DistanceMeters)), int(math.Round(a.ElapsedSeconds)), int(math.Round(a.SpeedKmh))),
		RiskAssessment: map[string]any{
			"anomalyType":     a.Type,
			"calculatedSpeed": math.Round(a.SpeedKmh),
			"distance":        math.Round(a.DistanceMeters),
			"timeFrame":       a.ElapsedSeconds,
		},
	}
	if rec.HasPosition() {
		spec.CurrentLocation = &types.Coordinate{Latitude: *rec.Latitude, Longitude: *rec.Longitude}
	}
	return spec
}
