// Package catalog caches the active geofences and answers containment queries.
//
// The catalog is read-mostly. LoadActive builds a complete new snapshot and
// swaps it in with a single atomic store, so a concurrent Containing call sees
// either the old set or the new set, never a mix.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/geo"
)

// GeofenceStore supplies active fences.
type GeofenceStore interface {
	ListGeofences(ctx context.Context, orgID string) ([]types.Geofence, error)
}

// Match is a fence that contains a queried point.
type Match struct {
	Geofence     *types.Geofence
	AlertOnEntry bool
}

type snapshot struct {
	fences []*types.Geofence // sorted by id
	byID   map[string]*types.Geofence
}

// Catalog holds the current snapshot.
type Catalog struct {
	store  GeofenceStore
	clock  clockwork.Clock
	logger *slog.Logger

	current atomic.Pointer[snapshot]
}

// New creates an empty catalog.
func New(store GeofenceStore, clock clockwork.Clock, logger *slog.Logger) *Catalog {
	c := &Catalog{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "geofence_catalog"),
	}
	c.current.Store(&snapshot{byID: map[string]*types.Geofence{}})
	return c
}

// LoadActive replaces the cache with the store's active fences for orgScope.
// Fences that fail validation are skipped. On a store error the previous
// snapshot stays in place.
func (c *Catalog) LoadActive(ctx context.Context, orgScope string) ([]types.Geofence, error) {
	list, err := c.store.ListGeofences(ctx, orgScope)
	if err != nil {
		return nil, types.Persistence("load geofences", err)
	}

	next := &snapshot{byID: make(map[string]*types.Geofence, len(list))}
	loaded := make([]types.Geofence, 0, len(list))
	for i := range list {
		g := list[i]
		if !g.IsActive {
			continue
		}
		if err := g.Validate(); err != nil {
			c.logger.Warn("skipping invalid geofence", "geofence_id", g.ID, "error", err)
			continue
		}
		next.fences = append(next.fences, &g)
		next.byID[g.ID] = &g
		loaded = append(loaded, g)
	}
	slices.SortFunc(next.fences, func(a, b *types.Geofence) int { return strings.Compare(a.ID, b.ID) })

	c.current.Store(next)
	c.logger.Info("geofences loaded", "count", len(next.fences), "skipped", len(list)-len(next.fences))
	return loaded, nil
}

// Containing returns every active, unexpired fence that contains the point,
// ordered by fence id.
func (c *Catalog) Containing(lat, lon float64) []Match {
	snap := c.current.Load()
	now := c.clock.Now()

	var out []Match
	for _, g := range snap.fences {
		if g.Expired(now) {
			continue
		}
		if geo.Contains(g, lat, lon) {
			out = append(out, Match{Geofence: g, AlertOnEntry: g.AlertOnEntry})
		}
	}
	return out
}

// Get returns a fence by id.
func (c *Catalog) Get(id string) (*types.Geofence, bool) {
	g, ok := c.current.Load().byID[id]
	if !ok {
		return nil, false
	}
	cp := *g
	return &cp, true
}

// List returns a copy of the cached fences.
func (c *Catalog) List() []types.Geofence {
	snap := c.current.Load()
	out := make([]types.Geofence, len(snap.fences))
	for i, g := range snap.fences {
		out[i] = *g
	}
	return out
}

// Count returns the number of cached fences.
func (c *Catalog) Count() int {
	return len(c.current.Load().fences)
}
