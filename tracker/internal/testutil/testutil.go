// Package testutil provides testing utilities and fixtures for the tracking engine.
//
// This package contains:
//   - Test helper functions (loggers, clocks, event capture)
//   - Fixture factories for domain types (devices, geofences, updates, alerts)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	fence := testutil.FixtureCircleFence(10, 10, 500)
//	fence := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) {
//		g.SecurityLevel = types.SecurityLevelClassified
//	})
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
)

// Epoch is the fixed start time used by NewFakeClock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewFakeClock returns a fake clock parked at Epoch.
func NewFakeClock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// =============================================================================
// DEVICE FIXTURES
// =============================================================================

// FixtureDevice creates an online test device.
func FixtureDevice(overrides ...func(*types.Device)) *types.Device {
	now := time.Now()
	d := &types.Device{
		ID:                      uuid.New().String(),
		Name:                    "test-device-" + uuid.New().String()[:8],
		DeviceType:              "laptop",
		DeviceCategory:          "endpoint",
		IPAddress:               "10.0.0.10",
		Status:                  types.DeviceStatusOnline,
		HealthScore:             95,
		LocationTrackingEnabled: true,
		LastSeen:                &now,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	for _, override := range overrides {
		override(d)
	}
	return d
}

// FixtureDeviceSpec creates a registration request.
func FixtureDeviceSpec(overrides ...func(*types.DeviceSpec)) types.DeviceSpec {
	spec := types.DeviceSpec{
		Name:       "test-device-" + uuid.New().String()[:8],
		DeviceType: "laptop",
		IPAddress:  "10.0.0.10",
	}
	for _, override := range overrides {
		override(&spec)
	}
	return spec
}

// =============================================================================
// GEOFENCE FIXTURES
// =============================================================================

// FixtureCircleFence creates an active standard circular fence with entry alerts.
func FixtureCircleFence(lat, lon, radius float64, overrides ...func(*types.Geofence)) *types.Geofence {
	g := &types.Geofence{
		ID:              uuid.New().String(),
		Name:            "fence-" + uuid.New().String()[:8],
		FenceType:       types.FenceTypeCircular,
		CenterLatitude:  Ptr(lat),
		CenterLongitude: Ptr(lon),
		RadiusMeters:    Ptr(radius),
		AlertOnEntry:    true,
		SecurityLevel:   types.SecurityLevelStandard,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	for _, override := range overrides {
		override(g)
	}
	return g
}

// FixturePolygonFence creates an active standard polygon fence with entry alerts.
func FixturePolygonFence(vertices []types.Coordinate, overrides ...func(*types.Geofence)) *types.Geofence {
	g := &types.Geofence{
		ID:            uuid.New().String(),
		Name:          "zone-" + uuid.New().String()[:8],
		FenceType:     types.FenceTypePolygon,
		Vertices:      vertices,
		AlertOnEntry:  true,
		SecurityLevel: types.SecurityLevelStandard,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	for _, override := range overrides {
		override(g)
	}
	return g
}

// Square returns the corners of an axis-aligned square in degrees.
func Square(minLat, minLon, size float64) []types.Coordinate {
	return []types.Coordinate{
		{Latitude: minLat, Longitude: minLon},
		{Latitude: minLat, Longitude: minLon + size},
		{Latitude: minLat + size, Longitude: minLon + size},
		{Latitude: minLat + size, Longitude: minLon},
	}
}

// =============================================================================
// LOCATION FIXTURES
// =============================================================================

// FixtureUpdate creates a GPS update at the given position.
func FixtureUpdate(deviceID string, lat, lon float64, overrides ...func(*types.LocationUpdate)) types.LocationUpdate {
	u := types.LocationUpdate{
		DeviceID:       deviceID,
		Latitude:       Ptr(lat),
		Longitude:      Ptr(lon),
		Accuracy:       Ptr(5.0),
		LocationMethod: types.LocationMethodGPS,
		BatteryLevel:   Ptr(80),
	}
	for _, override := range overrides {
		override(&u)
	}
	return u
}

// FixtureRecord creates a persisted-looking record at the given position and time.
func FixtureRecord(deviceID string, lat, lon float64, at time.Time) *types.LocationRecord {
	rec := types.NewLocationRecord(FixtureUpdate(deviceID, lat, lon), nil, at)
	rec.ID = uuid.New().String()
	return rec
}

// =============================================================================
// ALERT FIXTURES
// =============================================================================

// FixtureAlertSpec creates a geofence breach alert request.
func FixtureAlertSpec(deviceID string, severity types.AlertSeverity, overrides ...func(*types.AlertSpec)) types.AlertSpec {
	spec := types.AlertSpec{
		AlertType:   types.AlertTypeGeofenceBreach,
		Severity:    severity,
		DeviceID:    deviceID,
		Title:       "Geofence entry: test",
		Description: "test alert",
	}
	for _, override := range overrides {
		override(&spec)
	}
	return spec
}

// =============================================================================
// EVENTS
// =============================================================================

// WaitForEvent reads from sub until an event of type want arrives or the
// timeout elapses.
func WaitForEvent(t testing.TB, sub *events.Subscription, want events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// Drain returns every event currently buffered on sub without blocking.
func Drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns the time d before now.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
