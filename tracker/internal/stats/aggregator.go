// Package stats assembles the engine's point-in-time summary.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
)

// Sources is everything Snapshot reads from. Each field is a narrow view of
// an engine component.
type Sources struct {
	Devices   interface{ Counts() types.DeviceCounts }
	Alerts    interface{ ActiveCount() int }
	Geofences interface{ Count() int }
	Inventory interface{ Counts() (assets, segments int) }
	History   HistoryCounter
}

// HistoryCounter counts persisted location records.
type HistoryCounter interface {
	CountLocationHistorySince(ctx context.Context, since time.Time) (int64, error)
}

// Aggregator builds Stats snapshots.
type Aggregator struct {
	src     Sources
	latency *LatencyWindow
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewAggregator creates an aggregator over src using latency for the
// response time average.
func NewAggregator(src Sources, latency *LatencyWindow, clock clockwork.Clock, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		src:     src,
		latency: latency,
		clock:   clock,
		logger:  logger.With("component", "stats"),
	}
}

// Latency returns the window ingest records into.
func (a *Aggregator) Latency() *LatencyWindow {
	return a.latency
}

// Snapshot returns current counts. Only the 24h update count touches the
// store; everything else is read from memory.
func (a *Aggregator) Snapshot(ctx context.Context) (*types.Stats, error) {
	now := a.clock.Now()

	updates, err := a.src.History.CountLocationHistorySince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, types.Persistence("stats", err)
	}

	devices := a.src.Devices.Counts()
	assets, segments := a.src.Inventory.Counts()

	s := &types.Stats{
		TotalDevices:           devices.Total,
		OnlineDevices:          devices.Online,
		CriticalDevices:        devices.Critical,
		ActiveAlerts:           a.src.Alerts.ActiveCount(),
		Geofences:              a.src.Geofences.Count(),
		TrackedAssets:          assets,
		NetworkSegments:        segments,
		LocationUpdatesLast24h: updates,
		AverageResponseTimeMs:  a.latency.MeanMillis(),
		GeneratedAt:            now,
	}
	a.logger.Debug("stats snapshot", "stats", s.String())
	return s, nil
}
