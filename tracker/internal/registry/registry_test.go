package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/testutil"
)

// mockDeviceStore records writes and can be told to fail.
type mockDeviceStore struct {
	mu      sync.Mutex
	devices map[string]types.Device
	writes  int
	failErr error
}

func newMockDeviceStore() *mockDeviceStore {
	return &mockDeviceStore{devices: make(map[string]types.Device)}
}

func (m *mockDeviceStore) UpsertDevice(ctx context.Context, d *types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.writes++
	m.devices[d.ID] = *d.Clone()
	return nil
}

func (m *mockDeviceStore) ListDevices(ctx context.Context, orgID string) ([]types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Device
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockDeviceStore) setFail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *mockDeviceStore, *events.Bus) {
	t.Helper()
	store := newMockDeviceStore()
	bus := events.NewBus(testutil.NewTestLogger())
	t.Cleanup(bus.Close)
	return New(store, bus, testutil.NewFakeClock(), "org-1", testutil.NewTestLogger()), store, bus
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		r, store, bus := newTestRegistry(t)
		sub := bus.Subscribe("test", 10, events.DeviceRegistered)

		d, err := r.Register(ctx, testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) { s.ID = "D1" }))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.ID != "D1" || d.Status != types.DeviceStatusOffline || d.HealthScore != 100 {
			t.Errorf("unexpected defaults: %+v", d)
		}
		if !d.LocationTrackingEnabled || d.OrganizationID != "org-1" {
			t.Errorf("unexpected tracking/org: %+v", d)
		}
		if _, ok := store.devices["D1"]; !ok {
			t.Error("device should be written through to the store")
		}
		testutil.WaitForEvent(t, sub, events.DeviceRegistered, time.Second)
	})

	t.Run("generates id", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		d, err := r.Register(ctx, testutil.FixtureDeviceSpec())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.ID == "" {
			t.Error("expected generated id")
		}
	})

	t.Run("validation", func(t *testing.T) {
		r, store, _ := newTestRegistry(t)
		tests := []struct {
			name string
			spec types.DeviceSpec
		}{
			{"missing name", types.DeviceSpec{}},
			{"bad status", types.DeviceSpec{Name: "x", Status: "vanished"}},
			{"bad health", types.DeviceSpec{Name: "x", HealthScore: testutil.Ptr(101)}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := r.Register(ctx, tt.spec)
				if !errors.Is(err, types.ErrValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
			})
		}
		if store.writes != 0 {
			t.Errorf("rejected registrations must not write, got %d writes", store.writes)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		spec := testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) { s.ID = "dup" })
		if _, err := r.Register(ctx, spec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := r.Register(ctx, spec); !errors.Is(err, types.ErrValidation) {
			t.Errorf("expected validation error for duplicate, got %v", err)
		}
	})

	t.Run("store failure leaves cache empty", func(t *testing.T) {
		r, store, _ := newTestRegistry(t)
		store.setFail(errors.New("connection refused"))

		_, err := r.Register(ctx, testutil.FixtureDeviceSpec(func(s *types.DeviceSpec) { s.ID = "D9" }))
		if !errors.Is(err, types.ErrPersistence) {
			t.Fatalf("expected persistence error, got %v", err)
		}
		if _, err := r.Get("D9"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("device must not be cached after failed write, got %v", err)
		}
	})
}

func TestGetAndList(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	if _, err := r.Get("nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	r.Register(ctx, types.DeviceSpec{ID: "b", Name: "bravo", Status: types.DeviceStatusOnline, CriticalAsset: true})
	r.Register(ctx, types.DeviceSpec{ID: "a", Name: "alpha", Status: types.DeviceStatusOnline})
	r.Register(ctx, types.DeviceSpec{ID: "c", Name: "charlie"})

	all := r.List(types.DeviceFilter{})
	if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "charlie" {
		t.Errorf("expected sorted list alpha..charlie, got %+v", all)
	}

	online := r.List(types.DeviceFilter{Status: testutil.Ptr(types.DeviceStatusOnline)})
	if len(online) != 2 {
		t.Errorf("online: got %d, want 2", len(online))
	}

	critical := r.List(types.DeviceFilter{CriticalAsset: testutil.Ptr(true)})
	if len(critical) != 1 || critical[0].ID != "b" {
		t.Errorf("critical: got %+v", critical)
	}

	counts := r.Counts()
	if counts != (types.DeviceCounts{Total: 3, Online: 2, Critical: 1}) {
		t.Errorf("unexpected counts: %+v", counts)
	}

	// Returned devices are copies.
	d, _ := r.Get("a")
	d.Name = "mutated"
	again, _ := r.Get("a")
	if again.Name != "alpha" {
		t.Error("Get must return a copy")
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		_, err := r.UpdateStatus(ctx, "ghost", types.DeviceStatusOffline, nil, nil)
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("emits status change", func(t *testing.T) {
		r, _, bus := newTestRegistry(t)
		r.Register(ctx, types.DeviceSpec{ID: "D1", Name: "d1", Status: types.DeviceStatusOnline})
		sub := bus.Subscribe("test", 10, events.DeviceStatusChange)

		d, err := r.UpdateStatus(ctx, "D1", types.DeviceStatusMaintenance, nil, testutil.Ptr(40))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Status != types.DeviceStatusMaintenance || d.HealthScore != 40 {
			t.Errorf("unexpected device: %+v", d)
		}

		ev := testutil.WaitForEvent(t, sub, events.DeviceStatusChange, time.Second)
		p := ev.Payload.(events.StatusChangePayload)
		if p.PreviousStatus != types.DeviceStatusOnline || p.Status != types.DeviceStatusMaintenance {
			t.Errorf("unexpected payload: %+v", p)
		}

		// Same status again: no event.
		r.UpdateStatus(ctx, "D1", types.DeviceStatusMaintenance, nil, nil)
		if got := testutil.Drain(sub); len(got) != 0 {
			t.Errorf("expected no event for unchanged status, got %d", len(got))
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		r.Register(ctx, types.DeviceSpec{ID: "D1", Name: "d1"})
		if _, err := r.UpdateStatus(ctx, "D1", "vanished", nil, nil); !errors.Is(err, types.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if _, err := r.UpdateStatus(ctx, "D1", types.DeviceStatusOnline, nil, testutil.Ptr(-1)); !errors.Is(err, types.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("write-through failure keeps cache", func(t *testing.T) {
		r, store, _ := newTestRegistry(t)
		r.Register(ctx, types.DeviceSpec{ID: "D1", Name: "d1", Status: types.DeviceStatusOnline})
		store.setFail(errors.New("disk full"))

		_, err := r.UpdateStatus(ctx, "D1", types.DeviceStatusLost, nil, nil)
		if !errors.Is(err, types.ErrPersistence) {
			t.Fatalf("expected persistence error, got %v", err)
		}
		d, _ := r.Get("D1")
		if d.Status != types.DeviceStatusOnline {
			t.Errorf("cache advanced despite failed write: %s", d.Status)
		}
	})

	t.Run("lastSeen never moves backwards", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)
		r.Register(ctx, types.DeviceSpec{ID: "D1", Name: "d1"})

		later := testutil.Epoch.Add(time.Hour)
		r.Touch(ctx, "D1", later)
		d, _ := r.UpdateStatus(ctx, "D1", types.DeviceStatusOffline, testutil.Ptr(testutil.Epoch), nil)
		if !d.LastSeen.Equal(later) {
			t.Errorf("lastSeen regressed to %v", d.LastSeen)
		}
	})
}

func TestTouch_MonotonicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	r.Register(ctx, types.DeviceSpec{ID: "D1", Name: "d1"})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Shuffle timestamps so writers arrive out of order.
			at := testutil.Epoch.Add(time.Duration((i*37)%200) * time.Second)
			r.Touch(ctx, "D1", at)
		}(i)
	}
	wg.Wait()

	d, _ := r.Get("D1")
	want := testutil.Epoch.Add(199 * time.Second)
	if !d.LastSeen.Equal(want) {
		t.Errorf("lastSeen: got %v, want %v", d.LastSeen, want)
	}
	if d.Status != types.DeviceStatusOnline {
		t.Errorf("status: got %s, want online", d.Status)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)
	store.devices["x"] = *testutil.FixtureDevice(func(d *types.Device) { d.ID = "x" })
	store.devices["y"] = *testutil.FixtureDevice(func(d *types.Device) { d.ID = "y" })

	n, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded: got %d, want 2", n)
	}
	if _, err := r.Get("y"); err != nil {
		t.Errorf("expected y to be cached: %v", err)
	}
}
