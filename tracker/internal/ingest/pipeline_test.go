package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/alerting"
	"github.com/pilot-net/geotrack/tracker/internal/anomaly"
	"github.com/pilot-net/geotrack/tracker/internal/catalog"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/registry"
	"github.com/pilot-net/geotrack/tracker/internal/scheduler"
	"github.com/pilot-net/geotrack/tracker/internal/stats"
	"github.com/pilot-net/geotrack/tracker/internal/store"
	"github.com/pilot-net/geotrack/tracker/internal/testutil"
)

// backend lets a test fail history writes on demand.
type backend struct {
	*store.MemoryStore

	mu       sync.Mutex
	failNext bool
}

func (b *backend) InsertLocationHistory(ctx context.Context, rec *types.LocationRecord) error {
	b.mu.Lock()
	fail := b.failNext
	b.failNext = false
	b.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return b.MemoryStore.InsertLocationHistory(ctx, rec)
}

type harness struct {
	pipeline *Pipeline
	store    *backend
	registry *registry.Registry
	catalog  *catalog.Catalog
	alerts   *alerting.Manager
	sched    *scheduler.Scheduler
	latency  *stats.LatencyWindow
	clock    clockwork.Clock
	sub      *events.Subscription
}

func newHarness(t *testing.T, clock clockwork.Clock, fences ...*types.Geofence) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testutil.NewTestLogger()

	st := &backend{MemoryStore: store.NewMemoryStore()}
	bus := events.NewBus(logger)
	sched := scheduler.New(clock, nil, nil, nil, scheduler.DefaultConfig(), logger)
	t.Cleanup(func() {
		sched.Stop()
		bus.Close()
	})

	for _, g := range fences {
		if err := st.InsertGeofence(ctx, g); err != nil {
			t.Fatalf("seeding geofence: %v", err)
		}
	}
	cat := catalog.New(st, clock, logger)
	if _, err := cat.LoadActive(ctx, ""); err != nil {
		t.Fatalf("loading catalog: %v", err)
	}

	reg := registry.New(st, bus, clock, "", logger)
	alerts := alerting.New(st, bus, sched, clock, alerting.DefaultConfig(), "", logger)
	latency := stats.NewLatencyWindow(0)

	return &harness{
		pipeline: New(st, reg, cat, alerts, anomaly.NewDetector(0), latency, bus, clock, DefaultConfig(), logger),
		store:    st,
		registry: reg,
		catalog:  cat,
		alerts:   alerts,
		sched:    sched,
		latency:  latency,
		clock:    clock,
		sub:      bus.Subscribe("test", 256),
	}
}

func (h *harness) register(t *testing.T, id string) *types.Device {
	t.Helper()
	d, err := h.registry.Register(context.Background(), testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) {
		s.ID = id
	}))
	if err != nil {
		t.Fatalf("registering device: %v", err)
	}
	return d
}

func TestIngest_ClassifiedBreach(t *testing.T) {
	g1 := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) {
		g.ID = "G1"
		g.Name = "Vault"
		g.SecurityLevel = types.SecurityLevelClassified
	})
	h := newHarness(t, testutil.NewFakeClock(), g1)
	h.register(t, "D1")
	testutil.Drain(h.sub)

	res, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate("D1", 10, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Record tagged with the fence and persisted.
	if got := res.Record.InsideGeofenceIDs; len(got) != 1 || got[0] != "G1" {
		t.Errorf("inside geofence ids: got %v, want [G1]", got)
	}
	latest, _ := h.store.LatestLocationHistory(context.Background(), "D1")
	if latest == nil || latest.ID != res.Record.ID {
		t.Fatal("record not persisted")
	}

	// Device touched.
	d, _ := h.registry.Get("D1")
	if d.Status != types.DeviceStatusOnline {
		t.Errorf("device status: got %s, want online", d.Status)
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(testutil.Epoch) {
		t.Errorf("last seen: got %v", d.LastSeen)
	}

	// One critical breach alert with escalation armed.
	if len(res.Breaches) != 1 || res.Breaches[0].GeofenceID != "G1" || res.Breaches[0].AlertID == "" {
		t.Fatalf("breaches: %+v", res.Breaches)
	}
	alert, err := h.alerts.Get(context.Background(), res.Breaches[0].AlertID)
	if err != nil {
		t.Fatalf("alert lookup: %v", err)
	}
	if alert.Severity != types.AlertSeverityCritical || alert.AlertType != types.AlertTypeGeofenceBreach {
		t.Errorf("alert: severity=%s type=%s", alert.Severity, alert.AlertType)
	}
	if alert.GeofenceID == nil || *alert.GeofenceID != "G1" {
		t.Error("alert not linked to geofence")
	}
	if alert.LocationHistoryID == nil || *alert.LocationHistoryID != res.Record.ID {
		t.Error("alert not linked to location record")
	}
	if h.sched.Pending() != 1 {
		t.Errorf("escalation pending: got %d, want 1", h.sched.Pending())
	}

	seen := map[events.Type]int{}
	for _, ev := range testutil.Drain(h.sub) {
		seen[ev.Type]++
	}
	for _, want := range []events.Type{events.DeviceStatusChange, events.AlertCreated, events.GeofenceBreach, events.LocationUpdate} {
		if seen[want] != 1 {
			t.Errorf("%s emitted %d times, want 1", want, seen[want])
		}
	}

	if h.latency.Len() != 1 {
		t.Errorf("latency samples: got %d, want 1", h.latency.Len())
	}
	c := h.pipeline.Counters()
	if c.Accepted != 1 || c.Breaches != 1 || c.Rejected != 0 {
		t.Errorf("counters: %+v", c)
	}
}

func TestIngest_OutsideAndNoEntryAlert(t *testing.T) {
	silent := testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) {
		g.ID = "quiet"
		g.AlertOnEntry = false
	})
	far := testutil.FixtureCircleFence(45, 45, 100, func(g *types.Geofence) { g.ID = "far" })
	h := newHarness(t, testutil.NewFakeClock(), silent, far)
	h.register(t, "D1")

	res, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate("D1", 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Record.InsideGeofenceIDs; len(got) != 1 || got[0] != "quiet" {
		t.Errorf("inside: got %v, want [quiet]", got)
	}
	if len(res.Breaches) != 0 {
		t.Errorf("fence without entry alerting produced breaches: %+v", res.Breaches)
	}
	if h.alerts.ActiveCount() != 0 {
		t.Error("unexpected alert")
	}
}

func TestIngest_NoPosition(t *testing.T) {
	h := newHarness(t, testutil.NewFakeClock(), testutil.FixtureCircleFence(0, 0, 1000))
	h.register(t, "D1")

	res, err := h.pipeline.Ingest(context.Background(), types.LocationUpdate{
		DeviceID:       "D1",
		LocationMethod: types.LocationMethodIP,
		City:           "Chicago",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.InsideGeofenceIDs == nil || len(res.Record.InsideGeofenceIDs) != 0 {
		t.Errorf("inside ids should be empty, got %v", res.Record.InsideGeofenceIDs)
	}
	if res.Record.IsInsideGeofence() {
		t.Error("record without position cannot be inside a fence")
	}
}

func TestIngest_Rejections(t *testing.T) {
	h := newHarness(t, testutil.NewFakeClock())
	h.register(t, "D1")
	if _, err := h.registry.Register(context.Background(), testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) {
		s.ID = "untracked"
		s.LocationTrackingEnabled = testutil.Ptr(false)
	})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		update types.LocationUpdate
		want   error
	}{
		{"unknown device", testutil.FixtureUpdate("nope", 1, 1), types.ErrNotFound},
		{"missing device id", testutil.FixtureUpdate("", 1, 1), types.ErrValidation},
		{"latitude out of range", testutil.FixtureUpdate("D1", 91, 1), types.ErrValidation},
		{"half a coordinate", testutil.FixtureUpdate("D1", 1, 1, func(u *types.LocationUpdate) { u.Longitude = nil }), types.ErrValidation},
		{"bad method", testutil.FixtureUpdate("D1", 1, 1, func(u *types.LocationUpdate) { u.LocationMethod = "pigeon" }), types.ErrValidation},
		{"tracking disabled", testutil.FixtureUpdate("untracked", 1, 1), types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Ingest(context.Background(), tt.update)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if n, _ := h.store.CountLocationHistorySince(context.Background(), time.Time{}); n != 0 {
		t.Errorf("rejected updates persisted %d records", n)
	}
	if c := h.pipeline.Counters(); c.Rejected != int64(len(tests)) {
		t.Errorf("rejected counter: got %d, want %d", c.Rejected, len(tests))
	}
}

func TestIngest_PersistenceFailure(t *testing.T) {
	g := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) {
		g.SecurityLevel = types.SecurityLevelClassified
	})
	h := newHarness(t, testutil.NewFakeClock(), g)
	before := h.register(t, "D1")
	testutil.Drain(h.sub)

	h.store.mu.Lock()
	h.store.failNext = true
	h.store.mu.Unlock()

	_, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate("D1", 10, 10))
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	after, _ := h.registry.Get("D1")
	if after.Status != before.Status || after.LastSeen != nil {
		t.Errorf("registry changed after failed persist: %+v", after)
	}
	if h.alerts.ActiveCount() != 0 {
		t.Error("alert raised for unpersisted record")
	}
	if evs := testutil.Drain(h.sub); len(evs) != 0 {
		t.Errorf("events emitted for failed ingest: %d", len(evs))
	}
}

func TestIngest_Anomaly(t *testing.T) {
	clock := testutil.NewFakeClock()
	h := newHarness(t, clock)
	h.register(t, "D1")
	ctx := context.Background()

	if _, err := h.pipeline.Ingest(ctx, testutil.FixtureUpdate("D1", 0, 0)); err != nil {
		t.Fatal(err)
	}

	// Roughly 11 km in a minute.
	clock.Advance(time.Minute)
	res, err := h.pipeline.Ingest(ctx, testutil.FixtureUpdate("D1", 0, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Anomaly == nil {
		t.Fatal("expected an anomaly")
	}
	if res.Anomaly.SpeedKmh < 600 || res.Anomaly.SpeedKmh > 700 {
		t.Errorf("speed: got %.1f km/h", res.Anomaly.SpeedKmh)
	}

	queue := h.alerts.Queue()
	if len(queue) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(queue))
	}
	a := queue[0]
	if a.AlertType != types.AlertTypeSuspiciousLocation || a.Severity != types.AlertSeverityMedium {
		t.Errorf("alert: type=%s severity=%s", a.AlertType, a.Severity)
	}
	if a.Title != "Unusual Movement Detected" {
		t.Errorf("title: got %q", a.Title)
	}

	// A walk afterwards is not flagged.
	clock.Advance(time.Minute)
	res, _ = h.pipeline.Ingest(ctx, testutil.FixtureUpdate("D1", 0, 0.1005))
	if res.Anomaly != nil {
		t.Errorf("slow movement flagged: %+v", res.Anomaly)
	}

	if w := h.pipeline.Window("D1"); len(w) != 2 {
		t.Errorf("window: got %d records, want 2", len(w))
	}
}

func TestIngest_PreviousFromStoreAfterRestart(t *testing.T) {
	clock := testutil.NewFakeClock()
	h := newHarness(t, clock)
	h.register(t, "D1")

	prior := testutil.FixtureRecord("D1", 0, 0, testutil.Epoch.Add(-time.Minute))
	h.store.MemoryStore.InsertLocationHistory(context.Background(), prior)

	res, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate("D1", 0, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Anomaly == nil {
		t.Error("expected anomaly against the stored record")
	}
}

func TestIngest_ConcurrentLastSeenMonotonic(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	h.register(t, "D1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := h.pipeline.Ingest(ctx, testutil.FixtureUpdate("D1", float64(i), float64(j))); err != nil {
					t.Errorf("ingest: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	d, _ := h.registry.Get("D1")
	recs, _ := h.store.ListLocationHistory(ctx, "D1", 1000)
	if len(recs) != 200 {
		t.Fatalf("records: got %d, want 200", len(recs))
	}
	var newest time.Time
	for _, r := range recs {
		if r.RecordedAt.After(newest) {
			newest = r.RecordedAt
		}
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(newest) {
		t.Errorf("last seen %v, newest record %v", d.LastSeen, newest)
	}
}

type panickingAlerts struct{}

func (panickingAlerts) Create(ctx context.Context, spec types.AlertSpec) (*types.Alert, error) {
	panic("classifier exploded")
}

func TestIngest_AnalysisPanicIsContained(t *testing.T) {
	clock := testutil.NewFakeClock()
	logger := testutil.NewTestLogger()
	st := store.NewMemoryStore()
	bus := events.NewBus(logger)
	defer bus.Close()
	sub := bus.Subscribe("test", 16, events.LocationUpdate)

	g := testutil.FixtureCircleFence(0, 0, 1000)
	st.InsertGeofence(context.Background(), g)
	cat := catalog.New(st, clock, logger)
	cat.LoadActive(context.Background(), "")
	reg := registry.New(st, bus, clock, "", logger)
	reg.Register(context.Background(), testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) { s.ID = "D1" }))

	p := New(st, reg, cat, panickingAlerts{}, nil, nil, bus, clock, DefaultConfig(), logger)
	res, err := p.Ingest(context.Background(), testutil.FixtureUpdate("D1", 0, 0))
	if err != nil {
		t.Fatalf("panic in analysis must not fail ingest: %v", err)
	}
	if res.Record == nil {
		t.Fatal("missing record")
	}
	if p.Counters().AnalysisFailures != 1 {
		t.Errorf("analysis failures: got %d, want 1", p.Counters().AnalysisFailures)
	}
	testutil.WaitForEvent(t, sub, events.LocationUpdate, time.Second)
}

func TestIngest_UnknownDevicesLeaveNoLocks(t *testing.T) {
	h := newHarness(t, testutil.NewFakeClock())
	h.register(t, "D1")

	for i := 0; i < 500; i++ {
		_, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate(fmt.Sprintf("ghost-%d", i), 1, 1))
		if !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("ghost-%d: expected not found, got %v", i, err)
		}
	}
	if _, err := h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate("D1", 1, 1)); err != nil {
		t.Fatal(err)
	}

	if n := h.pipeline.locks.Len(); n != 0 {
		t.Errorf("lock entries retained: got %d, want 0", n)
	}
}

func TestIngest_PerDeviceCounts(t *testing.T) {
	clock := testutil.NewFakeClock()
	h := newHarness(t, clock)
	h.register(t, "D1")
	h.register(t, "D2")

	for _, id := range []string{"D1", "D2", "D1", "D1", "nope"} {
		clock.Advance(time.Minute)
		h.pipeline.Ingest(context.Background(), testutil.FixtureUpdate(id, 1, 1))
	}

	if got := h.pipeline.UpdateCount("D1"); got != 3 {
		t.Errorf("D1 updates: got %d, want 3", got)
	}
	c := h.pipeline.Counters()
	if len(c.PerDevice) != 2 || c.PerDevice["D2"] != 1 {
		t.Errorf("per-device counters: %+v", c.PerDevice)
	}

	// The snapshot does not alias pipeline state.
	c.PerDevice["D2"] = 100
	if h.pipeline.UpdateCount("D2") != 1 {
		t.Error("Counters exposed internal map")
	}
}
