// Package ingest turns a raw location report into a persisted record plus
// the side effects it triggers.
//
// # Ordering
//
// For one update the pipeline
//
//  1. checks the position against the geofence catalog,
//  2. persists the record tagged with the containing fence ids,
//  3. marks the device online and seen,
//  4. records ingest latency,
//  5. compares the record with the device's previous one for implausible speed,
//  6. raises a breach event and alert for every entry-alerting fence,
//  7. announces the update.
//
// Only step 2 can fail the call. Steps 3 to 7 are best effort: they log
// their errors and never undo the persisted record. Calls for one device
// are serialized for the whole sequence, so lastSeen and the anomaly
// comparison always see records in arrival order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/alerting"
	"github.com/pilot-net/geotrack/tracker/internal/anomaly"
	"github.com/pilot-net/geotrack/tracker/internal/catalog"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/keylock"
)

// LocationStore persists location records.
type LocationStore interface {
	InsertLocationHistory(ctx context.Context, rec *types.LocationRecord) error
	LatestLocationHistory(ctx context.Context, deviceID string) (*types.LocationRecord, error)
}

// Devices resolves and touches devices. *registry.Registry satisfies it.
type Devices interface {
	Get(id string) (*types.Device, error)
	Touch(ctx context.Context, id string, at time.Time) (*types.Device, error)
}

// Fences answers containment queries. *catalog.Catalog satisfies it.
type Fences interface {
	Containing(lat, lon float64) []catalog.Match
}

// Alerts creates alerts. *alerting.Manager satisfies it.
type Alerts interface {
	Create(ctx context.Context, spec types.AlertSpec) (*types.Alert, error)
}

// LatencyRecorder receives per-ingest durations.
type LatencyRecorder interface {
	Record(d time.Duration)
}

// Config holds pipeline settings.
type Config struct {
	GeofenceChecksEnabled   bool
	AnomalyDetectionEnabled bool

	// HistoryWindow is how many recent records are kept per device. Only the
	// newest prior record is compared today.
	HistoryWindow int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		GeofenceChecksEnabled:   true,
		AnomalyDetectionEnabled: true,
		HistoryWindow:           2,
	}
}

// Result describes what one ingest produced.
type Result struct {
	Record   *types.LocationRecord  `json:"record"`
	Device   *types.Device          `json:"device"`
	Breaches []types.GeofenceBreach `json:"breaches"`
	Anomaly  *anomaly.Anomaly       `json:"anomaly,omitempty"`
}

// Counters are cumulative pipeline totals.
type Counters struct {
	Accepted         int64 `json:"accepted"`
	Rejected         int64 `json:"rejected"`
	Breaches         int64 `json:"breaches"`
	Anomalies        int64 `json:"anomalies"`
	AnalysisFailures int64 `json:"analysis_failures"`

	// PerDevice counts accepted updates by device id.
	PerDevice map[string]int64 `json:"per_device,omitempty"`
}

// Pipeline processes location updates.
type Pipeline struct {
	store    LocationStore
	devices  Devices
	fences   Fences
	alerts   Alerts
	detector *anomaly.Detector
	latency  LatencyRecorder
	bus      events.Publisher
	clock    clockwork.Clock
	config   Config
	logger   *slog.Logger

	locks *keylock.Map

	mu      sync.Mutex
	windows map[string][]*types.LocationRecord // oldest first
	updates map[string]int64

	accepted, rejected, breaches, anomalies, analysisFailures atomic.Int64
}

// New creates a pipeline. latency may be nil.
func New(
	store LocationStore,
	devices Devices,
	fences Fences,
	alerts Alerts,
	detector *anomaly.Detector,
	latency LatencyRecorder,
	bus events.Publisher,
	clock clockwork.Clock,
	config Config,
	logger *slog.Logger,
) *Pipeline {
	if config.HistoryWindow < 1 {
		config.HistoryWindow = 2
	}
	if detector == nil {
		detector = anomaly.NewDetector(0)
	}
	return &Pipeline{
		store:    store,
		devices:  devices,
		fences:   fences,
		alerts:   alerts,
		detector: detector,
		latency:  latency,
		bus:      bus,
		clock:    clock,
		config:   config,
		logger:   logger.With("component", "ingest"),
		locks:    keylock.New(),
		windows:  make(map[string][]*types.LocationRecord),
		updates:  make(map[string]int64),
	}
}

// Ingest validates, persists and analyses one update.
func (p *Pipeline) Ingest(ctx context.Context, u types.LocationUpdate) (*Result, error) {
	const op = "ingest location"
	start := p.clock.Now()

	if err := u.Validate(); err != nil {
		p.rejected.Add(1)
		return nil, err
	}

	// Unknown ids never reach the lock map.
	if _, err := p.devices.Get(u.DeviceID); err != nil {
		p.rejected.Add(1)
		return nil, err
	}

	unlock := p.locks.Lock(u.DeviceID)
	defer unlock()

	device, err := p.devices.Get(u.DeviceID)
	if err != nil {
		p.rejected.Add(1)
		return nil, err
	}
	if !device.LocationTrackingEnabled {
		p.rejected.Add(1)
		return nil, types.Validationf(op, "location tracking is disabled for device %s", u.DeviceID)
	}

	var matches []catalog.Match
	if p.config.GeofenceChecksEnabled && u.HasPosition() {
		matches = p.fences.Containing(*u.Latitude, *u.Longitude)
	}
	inside := make([]string, 0, len(matches))
	for _, m := range matches {
		inside = append(inside, m.Geofence.ID)
	}

	previous := p.previous(ctx, u.DeviceID)

	now := p.clock.Now()
	rec := types.NewLocationRecord(u, inside, now)
	rec.ID = uuid.New().String()

	if err := p.store.InsertLocationHistory(ctx, rec); err != nil {
		p.rejected.Add(1)
		p.logger.Error("location persist failed", "device_id", u.DeviceID, "error", err)
		return nil, types.Persistence(op, err)
	}
	p.accepted.Add(1)
	p.remember(rec)

	res := &Result{Record: rec, Device: device, Breaches: []types.GeofenceBreach{}}

	if touched, err := p.devices.Touch(ctx, u.DeviceID, now); err != nil {
		p.logger.Warn("device touch failed", "device_id", u.DeviceID, "error", err)
	} else {
		res.Device = touched
	}

	if p.latency != nil {
		p.latency.Record(p.clock.Since(start))
	}

	if p.config.AnomalyDetectionEnabled {
		p.guard("anomaly check", rec.DeviceID, func() { p.checkAnomaly(ctx, rec, previous, res) })
	}
	p.guard("geofence breach", rec.DeviceID, func() { p.raiseBreaches(ctx, rec, matches, res) })

	p.publish(events.LocationUpdate, events.LocationPayload{
		Device:   res.Device,
		Record:   rec,
		Breaches: res.Breaches,
	})

	p.logger.Debug("location ingested",
		"device_id", rec.DeviceID,
		"record_id", rec.ID,
		"inside", len(inside),
		"breaches", len(res.Breaches),
	)
	return res, nil
}

// previous returns the newest known record for the device, falling back to
// the store after a restart.
func (p *Pipeline) previous(ctx context.Context, deviceID string) *types.LocationRecord {
	p.mu.Lock()
	window := p.windows[deviceID]
	p.mu.Unlock()
	if len(window) > 0 {
		return window[len(window)-1]
	}

	rec, err := p.store.LatestLocationHistory(ctx, deviceID)
	if err != nil {
		p.logger.Warn("previous location lookup failed", "device_id", deviceID, "error", err)
		return nil
	}
	return rec
}

// remember appends rec to the device's trailing window.
func (p *Pipeline) remember(rec *types.LocationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := append(p.windows[rec.DeviceID], rec)
	if over := len(window) - p.config.HistoryWindow; over > 0 {
		window = append(window[:0:0], window[over:]...)
	}
	p.windows[rec.DeviceID] = window
	p.updates[rec.DeviceID]++
}

// UpdateCount returns how many updates were accepted for the device since start.
func (p *Pipeline) UpdateCount(deviceID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[deviceID]
}

// Window returns the device's retained records, oldest first.
func (p *Pipeline) Window(deviceID string) []types.LocationRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.LocationRecord, 0, len(p.windows[deviceID]))
	for _, r := range p.windows[deviceID] {
		out = append(out, *r)
	}
	return out
}

func (p *Pipeline) checkAnomaly(ctx context.Context, rec, previous *types.LocationRecord, res *Result) {
	a := p.detector.Check(rec, previous)
	if a == nil {
		return
	}
	p.anomalies.Add(1)
	res.Anomaly = a

	p.logger.Warn("implausible movement",
		"device_id", rec.DeviceID,
		"distance_m", a.DistanceMeters,
		"elapsed_s", a.ElapsedSeconds,
		"speed_kmh", a.SpeedKmh,
	)
	if _, err := p.alerts.Create(ctx, a.Spec(rec)); err != nil {
		p.logger.Error("anomaly alert not created", "device_id", rec.DeviceID, "error", err)
	}
}

func (p *Pipeline) raiseBreaches(ctx context.Context, rec *types.LocationRecord, matches []catalog.Match, res *Result) {
	for _, m := range matches {
		if !m.AlertOnEntry {
			continue
		}
		breach := alerting.Breach(m.Geofence)
		alert, err := p.alerts.Create(ctx, alerting.BreachSpec(rec, m.Geofence))
		if err != nil {
			p.logger.Error("breach alert not created",
				"device_id", rec.DeviceID,
				"geofence_id", m.Geofence.ID,
				"error", err,
			)
		} else {
			breach.AlertID = alert.ID
		}

		p.breaches.Add(1)
		res.Breaches = append(res.Breaches, breach)
		p.publish(events.GeofenceBreach, events.BreachPayload{
			DeviceID: rec.DeviceID,
			RecordID: rec.ID,
			Breach:   breach,
		})
	}
}

// guard runs an analysis step, converting a panic into a logged error.
func (p *Pipeline) guard(step, deviceID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.analysisFailures.Add(1)
			err := types.Analysis(step, fmt.Errorf("panic: %v", r))
			p.logger.Error("location analysis failed", "device_id", deviceID, "error", err)
		}
	}()
	fn()
}

// Counters returns cumulative totals.
func (p *Pipeline) Counters() Counters {
	p.mu.Lock()
	perDevice := make(map[string]int64, len(p.updates))
	for id, n := range p.updates {
		perDevice[id] = n
	}
	p.mu.Unlock()

	return Counters{
		Accepted:         p.accepted.Load(),
		Rejected:         p.rejected.Load(),
		Breaches:         p.breaches.Load(),
		Anomalies:        p.anomalies.Load(),
		AnalysisFailures: p.analysisFailures.Load(),
		PerDevice:        perDevice,
	}
}

func (p *Pipeline) publish(t events.Type, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: t, Time: p.clock.Now(), Payload: payload})
}
