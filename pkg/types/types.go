// Package types defines the core domain types shared by the tracking engine,
// its persistence layer and its HTTP surface.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Immutability: Location records are append-only; caches hand out copies
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// DEVICE
// =============================================================================

// Device is a tracked piece of equipment.
//
// Devices are never physically deleted; retirement is the soft status
// DeviceStatusDecommissioned. LastSeen never moves backwards.
type Device struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	DeviceType     string       `json:"device_type,omitempty"`
	DeviceCategory string       `json:"device_category,omitempty"`
	IPAddress      string       `json:"ip_address,omitempty"`
	MACAddress     string       `json:"mac_address,omitempty"`
	Status         DeviceStatus `json:"status"`
	HealthScore    int          `json:"health_score"`
	CriticalAsset  bool         `json:"critical_asset"`
	LastSeen       *time.Time   `json:"last_seen,omitempty"`

	LocationTrackingEnabled bool   `json:"location_tracking_enabled"`
	OrganizationID          string `json:"organization_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a cache.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// DeviceStatus is the presence state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline         DeviceStatus = "online"
	DeviceStatusOffline        DeviceStatus = "offline"
	DeviceStatusMaintenance    DeviceStatus = "maintenance"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
	DeviceStatusLost           DeviceStatus = "lost"
	DeviceStatusStolen         DeviceStatus = "stolen"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusMaintenance,
		DeviceStatusDecommissioned, DeviceStatusLost, DeviceStatusStolen:
		return true
	}
	return false
}

// DeviceSpec is the registration request for a new device.
type DeviceSpec struct {
	ID             string       `json:"id,omitempty"` // generated when empty
	Name           string       `json:"name"`
	DeviceType     string       `json:"device_type,omitempty"`
	DeviceCategory string       `json:"device_category,omitempty"`
	IPAddress      string       `json:"ip_address,omitempty"`
	MACAddress     string       `json:"mac_address,omitempty"`
	Status         DeviceStatus `json:"status,omitempty"`       // defaults to offline
	HealthScore    *int         `json:"health_score,omitempty"` // defaults to 100
	CriticalAsset  bool         `json:"critical_asset"`

	// LocationTrackingEnabled defaults to true when nil.
	LocationTrackingEnabled *bool `json:"location_tracking_enabled,omitempty"`
}

// Validate checks that the spec has required fields and valid values.
func (s *DeviceSpec) Validate() error {
	if s.Name == "" {
		return Validationf("register device", "device name is required")
	}
	if s.Status != "" && !s.Status.Valid() {
		return Validationf("register device", "invalid device status: %s", s.Status)
	}
	if s.HealthScore != nil && (*s.HealthScore < 0 || *s.HealthScore > 100) {
		return Validationf("register device", "health score must be between 0 and 100, got %d", *s.HealthScore)
	}
	return nil
}

// DeviceFilter narrows registry listings. Nil fields match everything.
type DeviceFilter struct {
	Status        *DeviceStatus `json:"status,omitempty"`
	CriticalAsset *bool         `json:"critical_asset,omitempty"`
}

// Matches reports whether d passes the filter.
func (f DeviceFilter) Matches(d *Device) bool {
	if f.Status != nil && d.Status != *f.Status {
		return false
	}
	if f.CriticalAsset != nil && d.CriticalAsset != *f.CriticalAsset {
		return false
	}
	return true
}

// DeviceCounts summarizes the registry for stats.
type DeviceCounts struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Critical int `json:"critical"`
}

// =============================================================================
// LOCATION
// =============================================================================

// LocationMethod is how a position was obtained.
type LocationMethod string

const (
	LocationMethodGPS      LocationMethod = "gps"
	LocationMethodWiFi     LocationMethod = "wifi"
	LocationMethodCellular LocationMethod = "cellular"
	LocationMethodIP       LocationMethod = "ip"
	LocationMethodManual   LocationMethod = "manual"
	LocationMethodBeacon   LocationMethod = "beacon"
)

// Normalize maps accepted aliases onto canonical methods.
func (m LocationMethod) Normalize() LocationMethod {
	if m == "ip_geolocation" {
		return LocationMethodIP
	}
	return m
}

// Valid reports whether m (after normalization) is a known method.
func (m LocationMethod) Valid() bool {
	switch m.Normalize() {
	case LocationMethodGPS, LocationMethodWiFi, LocationMethodCellular,
		LocationMethodIP, LocationMethodManual, LocationMethodBeacon:
		return true
	}
	return false
}

// Coordinate is a (lat, lon) pair in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// LocationUpdate is a single positional report delivered to the ingest pipeline.
type LocationUpdate struct {
	DeviceID       string         `json:"device_id"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	Altitude       *float64       `json:"altitude,omitempty"`
	Accuracy       *float64       `json:"accuracy,omitempty"`
	LocationMethod LocationMethod `json:"location_method"`

	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`

	BatteryLevel   *int   `json:"battery_level,omitempty"`
	SignalStrength *int   `json:"signal_strength,omitempty"`
	ReportedBy     string `json:"reported_by,omitempty"`
}

// HasPosition reports whether both latitude and longitude are present.
func (u *LocationUpdate) HasPosition() bool {
	return u.Latitude != nil && u.Longitude != nil
}

// Validate checks that the update is addressable and its coordinates are sane.
func (u *LocationUpdate) Validate() error {
	const op = "ingest location"
	if u.DeviceID == "" {
		return Validationf(op, "device id is required")
	}
	if (u.Latitude == nil) != (u.Longitude == nil) {
		return Validationf(op, "latitude and longitude must be provided together")
	}
	if !finite(u.Latitude) || !finite(u.Longitude) || !finite(u.Altitude) || !finite(u.Accuracy) {
		return Validationf(op, "coordinates must be finite numbers")
	}
	if u.Latitude != nil && (*u.Latitude < -90 || *u.Latitude > 90) {
		return Validationf(op, "latitude out of range: %f", *u.Latitude)
	}
	if u.Longitude != nil && (*u.Longitude < -180 || *u.Longitude > 180) {
		return Validationf(op, "longitude out of range: %f", *u.Longitude)
	}
	if !u.LocationMethod.Valid() {
		return Validationf(op, "invalid location method: %q", u.LocationMethod)
	}
	if u.BatteryLevel != nil && (*u.BatteryLevel < 0 || *u.BatteryLevel > 100) {
		return Validationf(op, "battery level must be between 0 and 100, got %d", *u.BatteryLevel)
	}
	return nil
}

// LocationRecord is an accepted, persisted location report. Immutable once created.
type LocationRecord struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"device_id"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	Altitude       *float64       `json:"altitude,omitempty"`
	Accuracy       *float64       `json:"accuracy,omitempty"`
	LocationMethod LocationMethod `json:"location_method"`

	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`

	BatteryLevel   *int   `json:"battery_level,omitempty"`
	SignalStrength *int   `json:"signal_strength,omitempty"`
	ReportedBy     string `json:"reported_by,omitempty"`

	InsideGeofenceIDs []string  `json:"inside_geofence_ids"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// HasPosition reports whether both latitude and longitude are present.
func (r *LocationRecord) HasPosition() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// IsInsideGeofence reports whether the record fell inside at least one fence.
func (r *LocationRecord) IsInsideGeofence() bool {
	return len(r.InsideGeofenceIDs) > 0
}

// NewLocationRecord builds a record from an update. The caller assigns ID.
func NewLocationRecord(u LocationUpdate, insideIDs []string, at time.Time) *LocationRecord {
	if insideIDs == nil {
		insideIDs = []string{}
	}
	return &LocationRecord{
		DeviceID:          u.DeviceID,
		Latitude:          u.Latitude,
		Longitude:         u.Longitude,
		Altitude:          u.Altitude,
		Accuracy:          u.Accuracy,
		LocationMethod:    u.LocationMethod.Normalize(),
		Address:           u.Address,
		City:              u.City,
		State:             u.State,
		Country:           u.Country,
		BatteryLevel:      u.BatteryLevel,
		SignalStrength:    u.SignalStrength,
		ReportedBy:        u.ReportedBy,
		InsideGeofenceIDs: insideIDs,
		RecordedAt:        at,
	}
}

// =============================================================================
// GEOFENCE
// =============================================================================

// FenceType is the geometry of a geofence.
type FenceType string

const (
	FenceTypeCircular FenceType = "circular"
	FenceTypePolygon  FenceType = "polygon"
)

// SecurityLevel drives breach severity.
type SecurityLevel string

const (
	SecurityLevelStandard   SecurityLevel = "standard"
	SecurityLevelRestricted SecurityLevel = "restricted"
	SecurityLevelClassified SecurityLevel = "classified"
)

// Geofence is a named zone that triggers alerts on entry or exit.
type Geofence struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FenceType   FenceType `json:"fence_type"`

	// Circular fences
	CenterLatitude  *float64 `json:"center_latitude,omitempty"`
	CenterLongitude *float64 `json:"center_longitude,omitempty"`
	RadiusMeters    *float64 `json:"radius_meters,omitempty"`

	// Polygon fences, in drawing order
	Vertices []Coordinate `json:"vertices,omitempty"`

	AlertOnEntry   bool          `json:"alert_on_entry"`
	AlertOnExit    bool          `json:"alert_on_exit"`
	SecurityLevel  SecurityLevel `json:"security_level"`
	ComplianceZone bool          `json:"compliance_zone"`
	Priority       int           `json:"priority"`
	IsActive       bool          `json:"is_active"`

	OrganizationID string     `json:"organization_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Validate checks geometry and attribute ranges.
func (g *Geofence) Validate() error {
	const op = "validate geofence"
	if g.Name == "" {
		return Validationf(op, "geofence name is required")
	}
	switch g.FenceType {
	case FenceTypeCircular:
		if g.CenterLatitude == nil || g.CenterLongitude == nil {
			return Validationf(op, "circular geofence %q requires a center", g.Name)
		}
		if !finite(g.CenterLatitude) || !finite(g.CenterLongitude) || !finite(g.RadiusMeters) {
			return Validationf(op, "circular geofence %q has a non-finite center or radius", g.Name)
		}
		if g.RadiusMeters == nil || *g.RadiusMeters <= 0 {
			return Validationf(op, "circular geofence %q requires a positive radius", g.Name)
		}
	case FenceTypePolygon:
		if len(g.Vertices) < 3 {
			return Validationf(op, "polygon geofence %q requires at least 3 vertices, got %d", g.Name, len(g.Vertices))
		}
		for _, v := range g.Vertices {
			if !finite(&v.Latitude) || !finite(&v.Longitude) {
				return Validationf(op, "polygon geofence %q has a non-finite vertex", g.Name)
			}
		}
	default:
		return Validationf(op, "invalid fence type: %q", g.FenceType)
	}
	switch g.SecurityLevel {
	case SecurityLevelStandard, SecurityLevelRestricted, SecurityLevelClassified:
	case "":
		g.SecurityLevel = SecurityLevelStandard
	default:
		return Validationf(op, "invalid security level: %q", g.SecurityLevel)
	}
	if g.Priority < 0 || g.Priority > 10 {
		return Validationf(op, "priority must be between 0 and 10, got %d", g.Priority)
	}
	return nil
}

// finite reports whether v is absent or a real number (not NaN or ±Inf).
func finite(v *float64) bool {
	return v == nil || !(math.IsNaN(*v) || math.IsInf(*v, 0))
}

// Expired reports whether the fence has passed its expiry at t.
func (g *Geofence) Expired(t time.Time) bool {
	return g.ExpiresAt != nil && !t.Before(*g.ExpiresAt)
}

// GeofenceBreach describes a device entering a fence with entry alerting.
type GeofenceBreach struct {
	GeofenceID   string        `json:"geofence_id"`
	GeofenceName string        `json:"geofence_name"`
	BreachType   string        `json:"breach_type"` // "entry"
	Security     SecurityLevel `json:"security_level"`
	AlertID      string        `json:"alert_id,omitempty"`
}

// =============================================================================
// INVENTORY
// =============================================================================

// Asset is a tracked business asset associated with a device.
type Asset struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AssetType      string `json:"asset_type,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	Criticality    string `json:"criticality,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// NetworkSegment groups devices for reporting.
type NetworkSegment struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	CIDR           string   `json:"cidr,omitempty"`
	DeviceIDs      []string `json:"device_ids,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

// =============================================================================
// STATS
// =============================================================================

// Stats is a fleet-wide snapshot computed on demand.
type Stats struct {
	TotalDevices           int       `json:"total_devices"`
	OnlineDevices          int       `json:"online_devices"`
	CriticalDevices        int       `json:"critical_devices"`
	ActiveAlerts           int       `json:"active_alerts"`
	Geofences              int       `json:"geofences"`
	TrackedAssets          int       `json:"tracked_assets"`
	NetworkSegments        int       `json:"network_segments"`
	LocationUpdatesLast24h int64     `json:"location_updates_last_24h"`
	AverageResponseTimeMs  float64   `json:"average_response_time_ms"`
	GeneratedAt            time.Time `json:"generated_at"`
}

// String is used in debug logs.
func (s Stats) String() string {
	return fmt.Sprintf("devices=%d online=%d alerts=%d fences=%d", s.TotalDevices, s.OnlineDevices, s.ActiveAlerts, s.Geofences)
}

// =============================================================================
// HEALTH
// =============================================================================

// ProcessHealth describes the tracker process itself.
type ProcessHealth struct {
	Status        string    `json:"status"` // healthy, degraded
	Goroutines    int       `json:"goroutines"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Health is the /health response body.
type Health struct {
	Status  string        `json:"status"` // ok, degraded, unavailable
	Store   string        `json:"store"`  // ok or the ping error
	Process ProcessHealth `json:"process"`
	Closed  bool          `json:"closed"`
	Time    time.Time     `json:"time"`
}
