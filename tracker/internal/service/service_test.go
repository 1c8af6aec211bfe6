package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/store"
	"github.com/pilot-net/geotrack/tracker/internal/testutil"
)

func quietConfig() Config {
	c := DefaultConfig()
	c.TrackingEnabled = false
	return c
}

func newService(t *testing.T, st *store.MemoryStore, clock clockwork.Clock, config Config, opts ...Option) *Service {
	t.Helper()
	svc := New(st, clock, config, testutil.NewTestLogger(), opts...)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func seed(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"D1", "D2"} {
		st.UpsertDevice(ctx, testutil.FixtureDevice(func(d *types.Device) { d.ID = id }))
	}
	st.InsertGeofence(ctx, testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) { g.ID = "G1" }))
	st.AddAsset(types.Asset{ID: "A1", Name: "laptop-42", DeviceID: "D1"})
	st.AddNetworkSegment(types.NetworkSegment{ID: "S1", Name: "hq", DeviceIDs: []string{"D1"}})
}

func TestInitialize(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	svc := newService(t, st, testutil.NewFakeClock(), quietConfig())
	sub := svc.Bus().Subscribe("test", 16, events.ServiceInitialized)

	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := testutil.WaitForEvent(t, sub, events.ServiceInitialized, time.Second)
	got := ev.Payload.(events.InitializedPayload)
	want := events.InitializedPayload{DevicesLoaded: 2, GeofencesLoaded: 1, AssetsLoaded: 1, NetworkSegmentsLoaded: 1}
	if got != want {
		t.Errorf("payload: got %+v, want %+v", got, want)
	}

	// Second call shares the first run.
	if err := svc.Initialize(context.Background()); err != nil {
		t.Errorf("repeat initialize: %v", err)
	}
	if evs := testutil.Drain(sub); len(evs) != 0 {
		t.Errorf("repeat initialize emitted %d events", len(evs))
	}

	assets, segments, err := svc.DeviceAssets("D1")
	if err != nil || len(assets) != 1 || len(segments) != 1 {
		t.Errorf("device assets: %v %v %v", assets, segments, err)
	}
}

type failingDevices struct {
	*store.MemoryStore
}

func (f failingDevices) ListDevices(ctx context.Context, orgID string) ([]types.Device, error) {
	return nil, errors.New("relation \"devices\" does not exist")
}

func TestInitialize_StoreFailure(t *testing.T) {
	svc := New(failingDevices{store.NewMemoryStore()}, testutil.NewFakeClock(), quietConfig(), testutil.NewTestLogger())
	defer svc.Shutdown(context.Background())

	err := svc.Initialize(context.Background())
	if !errors.Is(err, types.ErrPersistence) {
		t.Errorf("expected persistence error, got %v", err)
	}
}

func TestEndToEnd_ClassifiedBreach(t *testing.T) {
	clock := testutil.NewFakeClock()
	svc := newService(t, store.NewMemoryStore(), clock, quietConfig())
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	sub := svc.Bus().Subscribe("test", 64)

	if _, err := svc.RegisterDevice(ctx, testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) { s.ID = "D1" })); err != nil {
		t.Fatal(err)
	}
	g, err := svc.CreateGeofence(ctx, *testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) {
		g.ID = "G1"
		g.SecurityLevel = types.SecurityLevelClassified
	}))
	if err != nil {
		t.Fatalf("create geofence: %v", err)
	}
	if fences, _ := svc.ListGeofences(); len(fences) != 1 || fences[0].ID != g.ID {
		t.Fatalf("catalog not reloaded: %v", fences)
	}

	res, err := svc.IngestLocation(ctx, testutil.FixtureUpdate("D1", 10, 10))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Breaches) != 1 {
		t.Fatalf("breaches: %+v", res.Breaches)
	}

	created := testutil.WaitForEvent(t, sub, events.AlertCreated, time.Second)
	alert := created.Payload.(events.AlertPayload).Alert
	if alert.Severity != types.AlertSeverityCritical {
		t.Errorf("severity: got %s", alert.Severity)
	}

	queue, _ := svc.AlertQueue()
	if len(queue) != 1 || queue[0].ID != alert.ID {
		t.Errorf("queue: %+v", queue)
	}

	clock.Advance(5 * time.Minute)
	escalated := testutil.WaitForEvent(t, sub, events.AlertEscalated, 2*time.Second)
	if escalated.Payload.(events.AlertPayload).Alert.EscalationLevel != 1 {
		t.Error("expected escalation level 1")
	}

	if _, err := svc.AcknowledgeAlert(ctx, alert.ID, "soc"); err != nil {
		t.Errorf("acknowledge: %v", err)
	}
	resolved, err := svc.ResolveAlert(ctx, alert.ID)
	if err != nil || resolved.Status != types.AlertStatusResolved {
		t.Errorf("resolve: %v %v", resolved, err)
	}

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalDevices != 1 || stats.OnlineDevices != 1 || stats.Geofences != 1 || stats.LocationUpdatesLast24h != 1 || stats.ActiveAlerts != 0 {
		t.Errorf("stats: %+v", stats)
	}

	history, err := svc.DeviceHistory(ctx, "D1", 10)
	if err != nil || len(history) != 1 {
		t.Errorf("history: %v %v", history, err)
	}
}

func TestCreateGeofence_Invalid(t *testing.T) {
	svc := newService(t, store.NewMemoryStore(), testutil.NewFakeClock(), quietConfig())

	_, err := svc.CreateGeofence(context.Background(), types.Geofence{Name: "bad", FenceType: types.FenceTypePolygon})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestImportHistory(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	svc := newService(t, st, testutil.NewFakeClock(), quietConfig())
	ctx := context.Background()
	svc.Initialize(ctx)

	recs := []types.LocationRecord{
		*testutil.FixtureRecord("D1", 1, 1, testutil.Epoch.Add(-2*time.Hour)),
		*testutil.FixtureRecord("D1", 1, 2, testutil.Epoch.Add(-time.Hour)),
	}
	recs[0].ID = ""
	n, err := svc.ImportHistory(ctx, recs)
	if err != nil || n != 2 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}
	history, _ := svc.DeviceHistory(ctx, "D1", 10)
	if len(history) != 2 || history[1].ID == "" {
		t.Errorf("history: %+v", history)
	}

	_, err = svc.ImportHistory(ctx, []types.LocationRecord{*testutil.FixtureRecord("ghost", 0, 0, testutil.Epoch)})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown device: expected not found, got %v", err)
	}
}

// offlineProber moves every online device offline on the first tick.
type offlineProber struct{}

func (offlineProber) Probe(d types.Device) (types.DeviceStatus, int, bool) {
	return types.DeviceStatusOffline, 15, true
}

func TestDiscoveryTick(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	clock := testutil.NewFakeClock()
	svc := newService(t, st, clock, DefaultConfig(), WithProber(offlineProber{}))
	sub := svc.Bus().Subscribe("test", 16, events.DeviceStatusChange)
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The ticker is created on the loop goroutine; keep advancing until it fires.
	deadline := time.Now().Add(2 * time.Second)
	for {
		clock.Advance(30 * time.Second)
		d, _ := svc.GetDevice("D1")
		if d.Status == types.DeviceStatusOffline {
			if d.HealthScore != 15 {
				t.Errorf("health: got %d, want 15", d.HealthScore)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("discovery tick never changed device status")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := testutil.WaitForEvent(t, sub, events.DeviceStatusChange, time.Second)
	p := ev.Payload.(events.StatusChangePayload)
	if p.PreviousStatus != types.DeviceStatusOnline || p.Status != types.DeviceStatusOffline {
		t.Errorf("status change: %s -> %s", p.PreviousStatus, p.Status)
	}
}

func TestShutdown(t *testing.T) {
	svc := newService(t, store.NewMemoryStore(), testutil.NewFakeClock(), quietConfig())
	ctx := context.Background()
	svc.Initialize(ctx)
	sub := svc.Bus().Subscribe("test", 16, events.ServiceShutdown)

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	testutil.WaitForEvent(t, sub, events.ServiceShutdown, time.Second)
	if !svc.IsClosed() {
		t.Error("IsClosed should report true")
	}

	checks := map[string]error{}
	_, checks["ingest"] = svc.IngestLocation(ctx, testutil.FixtureUpdate("D1", 0, 0))
	_, checks["register"] = svc.RegisterDevice(ctx, testutil.FixtureDeviceSpec())
	_, checks["stats"] = svc.GetStats(ctx)
	_, checks["resolve"] = svc.ResolveAlert(ctx, "x")
	_, checks["geofences"] = svc.ListGeofences()
	checks["initialize"] = svc.Initialize(ctx)
	for name, err := range checks {
		if !errors.Is(err, types.ErrServiceClosed) {
			t.Errorf("%s after shutdown: expected service closed, got %v", name, err)
		}
	}

	if err := svc.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}
