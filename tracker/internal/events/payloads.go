package events

import "github.com/pilot-net/geotrack/pkg/types"

// InitializedPayload accompanies ServiceInitialized.
type InitializedPayload struct {
	DevicesLoaded         int `json:"devices_loaded"`
	GeofencesLoaded       int `json:"geofences_loaded"`
	AssetsLoaded          int `json:"assets_loaded"`
	NetworkSegmentsLoaded int `json:"network_segments_loaded"`
}

// StatusChangePayload accompanies DeviceStatusChange.
type StatusChangePayload struct {
	Device         *types.Device      `json:"device"`
	PreviousStatus types.DeviceStatus `json:"previous_status"`
	Status         types.DeviceStatus `json:"status"`
}

// LocationPayload accompanies LocationUpdate.
type LocationPayload struct {
	Device   *types.Device          `json:"device"`
	Record   *types.LocationRecord  `json:"record"`
	Breaches []types.GeofenceBreach `json:"breaches,omitempty"`
}

// BreachPayload accompanies GeofenceBreach.
type BreachPayload struct {
	DeviceID string               `json:"device_id"`
	RecordID string               `json:"record_id"`
	Breach   types.GeofenceBreach `json:"breach"`
}

// AlertPayload accompanies the Alert* events.
type AlertPayload struct {
	Alert *types.Alert `json:"alert"`
}
