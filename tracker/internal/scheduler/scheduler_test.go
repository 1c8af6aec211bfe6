package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/testutil"
)

type mockDevices struct {
	devices []types.Device
}

func (m *mockDevices) List(filter types.DeviceFilter) []types.Device {
	var out []types.Device
	for i := range m.devices {
		if filter.Matches(&m.devices[i]) {
			out = append(out, m.devices[i])
		}
	}
	return out
}

type mockSink struct {
	mu      sync.Mutex
	changes map[string]types.DeviceStatus
	failFor string
}

func (m *mockSink) ApplyStatusChange(ctx context.Context, id string, status types.DeviceStatus, health int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.failFor {
		return errors.New("store unavailable")
	}
	if m.changes == nil {
		m.changes = map[string]types.DeviceStatus{}
	}
	m.changes[id] = status
	return nil
}

// alwaysDrop moves every online device offline.
type alwaysDrop struct{}

func (alwaysDrop) Probe(d types.Device) (types.DeviceStatus, int, bool) {
	return types.DeviceStatusOffline, 20, true
}

func TestTick(t *testing.T) {
	devices := &mockDevices{devices: []types.Device{
		*testutil.FixtureDevice(func(d *types.Device) { d.ID = "on-1" }),
		*testutil.FixtureDevice(func(d *types.Device) { d.ID = "on-2" }),
		*testutil.FixtureDevice(func(d *types.Device) { d.ID = "off"; d.Status = types.DeviceStatusOffline }),
	}}
	sink := &mockSink{failFor: "on-2"}
	s := New(testutil.NewFakeClock(), devices, sink, alwaysDrop{}, DefaultConfig(), testutil.NewTestLogger())

	changed := s.Tick(context.Background())
	if changed != 1 {
		t.Errorf("changed: got %d, want 1", changed)
	}
	if sink.changes["on-1"] != types.DeviceStatusOffline {
		t.Errorf("on-1 should be offline, got %q", sink.changes["on-1"])
	}
	if _, ok := sink.changes["off"]; ok {
		t.Error("offline devices must not be probed")
	}
}

func TestRandomDrift(t *testing.T) {
	online := *testutil.FixtureDevice()

	t.Run("never", func(t *testing.T) {
		p := NewRandomDrift(0, rand.New(rand.NewPCG(1, 2)))
		for i := 0; i < 1000; i++ {
			if _, _, changed := p.Probe(online); changed {
				t.Fatal("probability 0 must never change")
			}
		}
	})

	t.Run("always", func(t *testing.T) {
		p := NewRandomDrift(1, rand.New(rand.NewPCG(1, 2)))
		seen := map[types.DeviceStatus]bool{}
		for i := 0; i < 200; i++ {
			status, health, changed := p.Probe(online)
			if !changed {
				t.Fatal("probability 1 must always change")
			}
			if health < 10 || health >= 60 {
				t.Errorf("health out of range: %d", health)
			}
			seen[status] = true
		}
		if !seen[types.DeviceStatusOffline] || !seen[types.DeviceStatusMaintenance] {
			t.Errorf("expected both offline and maintenance, got %v", seen)
		}
	})

	t.Run("default rate", func(t *testing.T) {
		p := NewRandomDrift(DefaultDriftProbability, rand.New(rand.NewPCG(7, 7)))
		n := 0
		for i := 0; i < 10000; i++ {
			if _, _, changed := p.Probe(online); changed {
				n++
			}
		}
		if n < 350 || n > 650 {
			t.Errorf("expected about 5%% drift, got %d/10000", n)
		}
	})

	t.Run("ignores non-online", func(t *testing.T) {
		p := NewRandomDrift(1, nil)
		d := online
		d.Status = types.DeviceStatusLost
		if _, _, changed := p.Probe(d); changed {
			t.Error("non-online devices must not drift")
		}
	})
}

func TestAfter_FiresOnce(t *testing.T) {
	clock := testutil.NewFakeClock()
	s := New(clock, nil, nil, nil, DefaultConfig(), testutil.NewTestLogger())
	defer s.Stop()

	fired := make(chan struct{}, 2)
	if err := s.After("alert-1", 5*time.Minute, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Pending() != 1 {
		t.Errorf("pending: got %d, want 1", s.Pending())
	}

	clock.Advance(4 * time.Minute)
	select {
	case <-fired:
		t.Fatal("fired before the delay")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Minute)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}

	clock.Advance(time.Hour)
	select {
	case <-fired:
		t.Fatal("one-shot task fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	if s.Pending() != 0 {
		t.Errorf("pending after fire: got %d, want 0", s.Pending())
	}
}

func TestCancel(t *testing.T) {
	clock := testutil.NewFakeClock()
	s := New(clock, nil, nil, nil, DefaultConfig(), testutil.NewTestLogger())
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.After("alert-1", time.Minute, func() { fired <- struct{}{} })

	if !s.Cancel("alert-1") {
		t.Error("Cancel should report a pending task")
	}
	if s.Cancel("alert-1") {
		t.Error("second Cancel should report nothing pending")
	}

	clock.Advance(time.Hour)
	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAfter_ReplacesKey(t *testing.T) {
	clock := testutil.NewFakeClock()
	s := New(clock, nil, nil, nil, DefaultConfig(), testutil.NewTestLogger())
	defer s.Stop()

	got := make(chan string, 2)
	s.After("k", time.Minute, func() { got <- "first" })
	s.After("k", 2*time.Minute, func() { got <- "second" })

	clock.Advance(3 * time.Minute)
	select {
	case v := <-got:
		if v != "second" {
			t.Errorf("got %s, want second", v)
		}
	case <-time.After(time.Second):
		t.Fatal("replacement task did not fire")
	}
	select {
	case v := <-got:
		t.Errorf("replaced task also fired: %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop(t *testing.T) {
	clock := testutil.NewFakeClock()
	devices := &mockDevices{}
	s := New(clock, devices, &mockSink{}, alwaysDrop{}, DefaultConfig(), testutil.NewTestLogger())
	s.Start(context.Background())

	fired := make(chan struct{}, 1)
	s.After("alert-1", time.Minute, func() { fired <- struct{}{} })

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	clock.Advance(time.Hour)
	select {
	case <-fired:
		t.Fatal("task fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	err := s.After("late", time.Second, func() {})
	if !errors.Is(err, types.ErrServiceClosed) {
		t.Errorf("expected service closed error, got %v", err)
	}
}
