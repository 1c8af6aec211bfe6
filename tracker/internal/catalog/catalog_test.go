package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/testutil"
)

type mockGeofenceStore struct {
	mu     sync.Mutex
	fences []types.Geofence
	err    error
}

func (m *mockGeofenceStore) ListGeofences(ctx context.Context, orgID string) ([]types.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]types.Geofence, len(m.fences))
	copy(out, m.fences)
	return out, nil
}

func (m *mockGeofenceStore) set(fences ...*types.Geofence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fences = nil
	for _, f := range fences {
		m.fences = append(m.fences, *f)
	}
}

func TestLoadActive(t *testing.T) {
	ctx := context.Background()
	store := &mockGeofenceStore{}
	c := New(store, testutil.NewFakeClock(), testutil.NewTestLogger())

	good := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) { g.ID = "g1" })
	inactive := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) { g.ID = "g2"; g.IsActive = false })
	badRadius := testutil.FixtureCircleFence(10, 10, 0, func(g *types.Geofence) { g.ID = "g3" })
	twoVertices := testutil.FixturePolygonFence(testutil.Square(0, 0, 1)[:2], func(g *types.Geofence) { g.ID = "g4" })
	store.set(good, inactive, badRadius, twoVertices)

	loaded, err := c.LoadActive(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "g1" {
		t.Errorf("expected only g1 loaded, got %+v", loaded)
	}
	if c.Count() != 1 {
		t.Errorf("count: got %d, want 1", c.Count())
	}

	t.Run("store failure keeps previous snapshot", func(t *testing.T) {
		store.err = errors.New("timeout")
		_, err := c.LoadActive(ctx, "org-1")
		if !errors.Is(err, types.ErrPersistence) {
			t.Errorf("expected persistence error, got %v", err)
		}
		if c.Count() != 1 {
			t.Errorf("snapshot should survive failed reload, count=%d", c.Count())
		}
		store.err = nil
	})

	t.Run("reload replaces", func(t *testing.T) {
		store.set(testutil.FixtureCircleFence(0, 0, 100, func(g *types.Geofence) { g.ID = "g9" }))
		c.LoadActive(ctx, "org-1")
		if _, ok := c.Get("g1"); ok {
			t.Error("g1 should be gone after reload")
		}
		if _, ok := c.Get("g9"); !ok {
			t.Error("g9 should be present after reload")
		}
	})
}

func TestContaining(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock()
	store := &mockGeofenceStore{}
	c := New(store, clock, testutil.NewTestLogger())

	circle := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) { g.ID = "b-circle" })
	square := testutil.FixturePolygonFence(testutil.Square(9.9, 9.9, 0.2), func(g *types.Geofence) {
		g.ID = "a-square"
		g.AlertOnEntry = false
	})
	expiring := testutil.FixtureCircleFence(10, 10, 500, func(g *types.Geofence) {
		g.ID = "c-expiring"
		g.ExpiresAt = testutil.Ptr(testutil.Epoch.Add(time.Hour))
	})
	store.set(circle, square, expiring)
	c.LoadActive(ctx, "")

	matches := c.Containing(10, 10)
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	wantOrder := []string{"a-square", "b-circle", "c-expiring"}
	for i, m := range matches {
		if m.Geofence.ID != wantOrder[i] {
			t.Errorf("match %d: got %s, want %s", i, m.Geofence.ID, wantOrder[i])
		}
	}
	if matches[0].AlertOnEntry {
		t.Error("a-square has alert_on_entry=false")
	}
	if !matches[1].AlertOnEntry {
		t.Error("b-circle has alert_on_entry=true")
	}

	if got := c.Containing(50, 50); len(got) != 0 {
		t.Errorf("far point: expected no matches, got %d", len(got))
	}

	clock.Advance(2 * time.Hour)
	matches = c.Containing(10, 10)
	for _, m := range matches {
		if m.Geofence.ID == "c-expiring" {
			t.Error("expired fence should not match")
		}
	}
	if len(matches) != 2 {
		t.Errorf("after expiry: got %d matches, want 2", len(matches))
	}
}

func TestContaining_ConcurrentReload(t *testing.T) {
	ctx := context.Background()
	store := &mockGeofenceStore{}
	c := New(store, testutil.NewFakeClock(), testutil.NewTestLogger())

	setA := []*types.Geofence{
		testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) { g.ID = "a1" }),
		testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) { g.ID = "a2" }),
	}
	setB := []*types.Geofence{
		testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) { g.ID = "b1" }),
		testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) { g.ID = "b2" }),
		testutil.FixtureCircleFence(0, 0, 1000, func(g *types.Geofence) { g.ID = "b3" }),
	}
	store.set(setA...)
	c.LoadActive(ctx, "")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				store.set(setB...)
			} else {
				store.set(setA...)
			}
			c.LoadActive(ctx, "")
		}
	}()

	for i := 0; i < 2000; i++ {
		m := c.Containing(0, 0)
		if len(m) != 2 && len(m) != 3 {
			t.Fatalf("partial snapshot observed: %d matches", len(m))
		}
		prefix := m[0].Geofence.ID[0]
		for _, x := range m {
			if x.Geofence.ID[0] != prefix {
				t.Fatalf("mixed snapshot observed: %v", ids(m))
			}
		}
	}
	close(stop)
	wg.Wait()
}

func ids(ms []Match) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Geofence.ID)
	}
	return out
}
