// Package service is the tracking engine's public face.
//
// It owns every engine component, loads them from the store on Initialize,
// runs the scheduler, and exposes the operations the API and the binary
// call. After Shutdown every operation returns a service-closed error.
package service

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/alerting"
	"github.com/pilot-net/geotrack/tracker/internal/anomaly"
	"github.com/pilot-net/geotrack/tracker/internal/catalog"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/ingest"
	"github.com/pilot-net/geotrack/tracker/internal/inventory"
	"github.com/pilot-net/geotrack/tracker/internal/registry"
	"github.com/pilot-net/geotrack/tracker/internal/scheduler"
	"github.com/pilot-net/geotrack/tracker/internal/stats"
	"github.com/pilot-net/geotrack/tracker/internal/store"
)

// Config holds engine settings.
type Config struct {
	// OrganizationID scopes every load. Empty means all organizations.
	OrganizationID string

	// TrackingEnabled turns the discovery tick on.
	TrackingEnabled  bool
	DriftProbability float64

	Ingest      ingest.Config
	MaxSpeedMps float64
	Alerting    alerting.Config
	Scheduler   scheduler.Config

	LatencySamples int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TrackingEnabled:  true,
		DriftProbability: scheduler.DefaultDriftProbability,
		Ingest:           ingest.DefaultConfig(),
		MaxSpeedMps:      anomaly.DefaultMaxSpeedMetersPerSecond,
		Alerting:         alerting.DefaultConfig(),
		Scheduler:        scheduler.DefaultConfig(),
		LatencySamples:   stats.DefaultLatencySamples,
	}
}

// Service wires the engine together.
type Service struct {
	store  store.Backend
	bus    *events.Bus
	clock  clockwork.Clock
	config Config
	logger *slog.Logger
	base   *slog.Logger // unscoped, handed to components

	registry  *registry.Registry
	catalog   *catalog.Catalog
	inventory *inventory.Inventory
	alerts    *alerting.Manager
	pipeline  *ingest.Pipeline
	stats     *stats.Aggregator
	scheduler *scheduler.Scheduler

	initOnce sync.Once
	initErr  error
	closed   atomic.Bool
	stopOnce sync.Once
}

// Option customizes a Service.
type Option func(*Service)

// WithProber replaces the simulated drift prober used by discovery ticks.
func WithProber(p scheduler.Prober) Option {
	return func(s *Service) { s.scheduler = s.newScheduler(p) }
}

// New builds the engine over st. Nothing is loaded until Initialize.
func New(st store.Backend, clock clockwork.Clock, config Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		bus:    events.NewBus(logger),
		clock:  clock,
		config: config,
		logger: logger.With("component", "service"),
		base:   logger,
	}

	s.registry = registry.New(st, s.bus, clock, config.OrganizationID, logger)
	s.catalog = catalog.New(st, clock, logger)
	s.inventory = inventory.New(st, config.OrganizationID, logger)
	s.scheduler = s.newScheduler(scheduler.NewRandomDrift(config.DriftProbability, rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 0))))
	for _, opt := range opts {
		opt(s)
	}

	s.alerts = alerting.New(st, s.bus, s.scheduler, clock, config.Alerting, config.OrganizationID, logger)
	latency := stats.NewLatencyWindow(config.LatencySamples)
	s.pipeline = ingest.New(st, s.registry, s.catalog, s.alerts, anomaly.NewDetector(config.MaxSpeedMps),
		latency, s.bus, clock, config.Ingest, logger)
	s.stats = stats.NewAggregator(stats.Sources{
		Devices:   s.registry,
		Alerts:    s.alerts,
		Geofences: s.catalog,
		Inventory: s.inventory,
		History:   st,
	}, latency, clock, logger)

	return s
}

func (s *Service) newScheduler(p scheduler.Prober) *scheduler.Scheduler {
	cfg := s.config.Scheduler
	cfg.DiscoveryEnabled = cfg.DiscoveryEnabled && s.config.TrackingEnabled
	return scheduler.New(s.clock, s.registry, s, p, cfg, s.base)
}

// Bus returns the engine's event bus for subscribers.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// BusStats returns event bus counters.
func (s *Service) BusStats() events.Stats {
	return s.bus.Stats()
}

// Initialize loads devices, geofences, inventory and open alerts, then
// starts background work. Concurrent and repeated calls share one run.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.guard("initialize"); err != nil {
		return err
	}
	s.initOnce.Do(func() { s.initErr = s.initialize(ctx) })
	return s.initErr
}

func (s *Service) initialize(ctx context.Context) error {
	start := s.clock.Now()

	devices, err := s.registry.Load(ctx)
	if err != nil {
		return err
	}
	fences, err := s.catalog.LoadActive(ctx, s.config.OrganizationID)
	if err != nil {
		return err
	}
	assets, segments, err := s.inventory.Load(ctx)
	if err != nil {
		return err
	}
	if _, err := s.alerts.Load(ctx); err != nil {
		return err
	}

	// Background work must outlive the caller's init context.
	s.scheduler.Start(context.WithoutCancel(ctx))

	payload := events.InitializedPayload{
		DevicesLoaded:         devices,
		GeofencesLoaded:       len(fences),
		AssetsLoaded:          assets,
		NetworkSegmentsLoaded: segments,
	}
	s.publish(events.ServiceInitialized, payload)
	s.logger.Info("engine initialized",
		"devices", devices,
		"geofences", len(fences),
		"assets", assets,
		"network_segments", segments,
		"duration", s.clock.Since(start),
	)
	return nil
}

// Shutdown stops background work, emits serviceShutdown and closes the bus.
// Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)

		done := make(chan struct{})
		go func() {
			s.alerts.Close()
			s.scheduler.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached before scheduler drained")
		}

		s.publish(events.ServiceShutdown, nil)
		s.bus.Close()
		s.logger.Info("engine shut down")
	})
	return nil
}

func (s *Service) guard(op string) error {
	if s.closed.Load() {
		return types.ServiceClosed(op)
	}
	return nil
}

func (s *Service) publish(t events.Type, payload any) {
	s.bus.Publish(events.Event{Type: t, Time: s.clock.Now(), Payload: payload})
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// =============================================================================
// LOCATIONS
// =============================================================================

// IngestLocation runs one update through the pipeline.
func (s *Service) IngestLocation(ctx context.Context, u types.LocationUpdate) (*ingest.Result, error) {
	if err := s.guard("ingest location"); err != nil {
		return nil, err
	}
	return s.pipeline.Ingest(ctx, u)
}

// ImportHistory bulk-loads historical records without analysis. Records are
// validated and assigned ids; unknown devices are rejected.
func (s *Service) ImportHistory(ctx context.Context, recs []types.LocationRecord) (int64, error) {
	const op = "import history"
	if err := s.guard(op); err != nil {
		return 0, err
	}
	for i := range recs {
		r := &recs[i]
		if _, err := s.registry.Get(r.DeviceID); err != nil {
			return 0, err
		}
		if (r.Latitude == nil) != (r.Longitude == nil) {
			return 0, types.Validationf(op, "record %d: latitude and longitude must be provided together", i)
		}
		if r.RecordedAt.IsZero() {
			return 0, types.Validationf(op, "record %d: recorded_at is required", i)
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.InsideGeofenceIDs == nil {
			r.InsideGeofenceIDs = []string{}
		}
		r.LocationMethod = r.LocationMethod.Normalize()
	}
	n, err := s.store.ImportLocationHistory(ctx, recs)
	if err != nil {
		return n, types.Persistence(op, err)
	}
	s.logger.Info("location history imported", "records", n)
	return n, nil
}

// DeviceHistory returns the newest records for a device.
func (s *Service) DeviceHistory(ctx context.Context, deviceID string, limit int) ([]types.LocationRecord, error) {
	if err := s.guard("device history"); err != nil {
		return nil, err
	}
	if _, err := s.registry.Get(deviceID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListLocationHistory(ctx, deviceID, limit)
	if err != nil {
		return nil, types.Persistence("device history", err)
	}
	return recs, nil
}

// IngestCounters returns cumulative pipeline totals.
func (s *Service) IngestCounters() ingest.Counters {
	return s.pipeline.Counters()
}

// =============================================================================
// DEVICES
// =============================================================================

// RegisterDevice adds a device to the registry.
func (s *Service) RegisterDevice(ctx context.Context, spec types.DeviceSpec) (*types.Device, error) {
	if err := s.guard("register device"); err != nil {
		return nil, err
	}
	return s.registry.Register(ctx, spec)
}

// UpdateDeviceStatus is the administrative status change. lastSeen is set
// to now.
func (s *Service) UpdateDeviceStatus(ctx context.Context, id string, status types.DeviceStatus, healthScore *int) (*types.Device, error) {
	if err := s.guard("update device status"); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return s.registry.UpdateStatus(ctx, id, status, &now, healthScore)
}

// ApplyStatusChange is the deviceStatusChange entry point used by discovery.
func (s *Service) ApplyStatusChange(ctx context.Context, id string, status types.DeviceStatus, healthScore int) error {
	_, err := s.UpdateDeviceStatus(ctx, id, status, &healthScore)
	return err
}

// GetDevice returns one device.
func (s *Service) GetDevice(id string) (*types.Device, error) {
	if err := s.guard("get device"); err != nil {
		return nil, err
	}
	return s.registry.Get(id)
}

// ListDevices returns devices matching filter.
func (s *Service) ListDevices(filter types.DeviceFilter) ([]types.Device, error) {
	if err := s.guard("list devices"); err != nil {
		return nil, err
	}
	return s.registry.List(filter), nil
}

// DeviceAssets returns inventory linked to a device.
func (s *Service) DeviceAssets(id string) ([]types.Asset, []types.NetworkSegment, error) {
	if err := s.guard("device assets"); err != nil {
		return nil, nil, err
	}
	if _, err := s.registry.Get(id); err != nil {
		return nil, nil, err
	}
	return s.inventory.AssetsForDevice(id), s.inventory.SegmentsForDevice(id), nil
}

// =============================================================================
// GEOFENCES
// =============================================================================

// CreateGeofence stores a new fence and reloads the catalog.
func (s *Service) CreateGeofence(ctx context.Context, g types.Geofence) (*types.Geofence, error) {
	const op = "create geofence"
	if err := s.guard(op); err != nil {
		return nil, err
	}
	g.Name = strings.TrimSpace(g.Name)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.OrganizationID == "" {
		g.OrganizationID = s.config.OrganizationID
	}
	g.CreatedAt = s.clock.Now()

	if err := s.store.InsertGeofence(ctx, &g); err != nil {
		return nil, types.Persistence(op, err)
	}
	if _, err := s.catalog.LoadActive(ctx, s.config.OrganizationID); err != nil {
		s.logger.Warn("geofence stored but catalog reload failed", "geofence_id", g.ID, "error", err)
	}
	s.logger.Info("geofence created", "geofence_id", g.ID, "name", g.Name, "type", g.FenceType)
	return &g, nil
}

// ReloadGeofences refreshes the catalog from the store.
func (s *Service) ReloadGeofences(ctx context.Context) (int, error) {
	if err := s.guard("reload geofences"); err != nil {
		return 0, err
	}
	fences, err := s.catalog.LoadActive(ctx, s.config.OrganizationID)
	if err != nil {
		return 0, err
	}
	return len(fences), nil
}

// ListGeofences returns the catalog's active fences.
func (s *Service) ListGeofences() ([]types.Geofence, error) {
	if err := s.guard("list geofences"); err != nil {
		return nil, err
	}
	return s.catalog.List(), nil
}

// =============================================================================
// ALERTS
// =============================================================================

// GetAlert returns one alert.
func (s *Service) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	if err := s.guard("get alert"); err != nil {
		return nil, err
	}
	return s.alerts.Get(ctx, id)
}

// ListAlerts returns alerts matching filter, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	if err := s.guard("list alerts"); err != nil {
		return nil, err
	}
	return s.alerts.List(ctx, filter)
}

// AlertQueue returns open alerts in priority order.
func (s *Service) AlertQueue() ([]types.Alert, error) {
	if err := s.guard("alert queue"); err != nil {
		return nil, err
	}
	return s.alerts.Queue(), nil
}

// AcknowledgeAlert marks an alert acknowledged by the named operator.
func (s *Service) AcknowledgeAlert(ctx context.Context, id, by string) (*types.Alert, error) {
	if err := s.guard("acknowledge alert"); err != nil {
		return nil, err
	}
	return s.alerts.Acknowledge(ctx, id, by)
}

// ResolveAlert closes an alert.
func (s *Service) ResolveAlert(ctx context.Context, id string) (*types.Alert, error) {
	if err := s.guard("resolve alert"); err != nil {
		return nil, err
	}
	return s.alerts.Resolve(ctx, id)
}

// =============================================================================
// STATS
// =============================================================================

// GetStats returns a current snapshot.
func (s *Service) GetStats(ctx context.Context) (*types.Stats, error) {
	if err := s.guard("get stats"); err != nil {
		return nil, err
	}
	return s.stats.Snapshot(ctx)
}

// IsClosed reports whether Shutdown has begun.
func (s *Service) IsClosed() bool {
	return s.closed.Load()
}
