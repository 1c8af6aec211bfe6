package metrics

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/events"
	"github.com/pilot-net/geotrack/tracker/internal/ingest"
)

// Source is what the exporter reads from the engine.
type Source interface {
	IngestCounters() ingest.Counters
	BusStats() events.Stats
	GetStats(ctx context.Context) (*types.Stats, error)
}

// RelayCounter is implemented by the Redis relay.
type RelayCounter interface {
	Counts() (relayed, failed int64)
}

// Exporter serves metrics in the Prometheus text exposition format.
type Exporter struct {
	source    Source
	collector *Collector
	relay     RelayCounter // may be nil when redis is disabled
	logger    *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(source Source, collector *Collector, relay RelayCounter, logger *slog.Logger) *Exporter {
	return &Exporter{
		source:    source,
		collector: collector,
		relay:     relay,
		logger:    logger.With("component", "metrics"),
	}
}

type sample struct {
	name  string
	help  string
	kind  string // counter or gauge
	value float64
}

// ServeHTTP writes all metrics.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	samples := e.gather(r.Context())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n%s %g\n", s.name, s.help, s.name, s.kind, s.name, s.value)
	}
	e.writeDeviceUpdates(bw)
	if err := bw.Flush(); err != nil {
		e.logger.Debug("metrics write failed", "error", err)
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// writeDeviceUpdates emits the per-device update family, one series per
// device that has reported since start.
func (e *Exporter) writeDeviceUpdates(bw *bufio.Writer) {
	perDevice := e.source.IngestCounters().PerDevice
	if len(perDevice) == 0 {
		return
	}
	const name = "geotrack_device_location_updates_total"
	fmt.Fprintf(bw, "# HELP %s Location updates accepted per device.\n# TYPE %s counter\n", name, name)

	ids := make([]string, 0, len(perDevice))
	for id := range perDevice {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(bw, "%s{device_id=\"%s\"} %d\n", name, labelEscaper.Replace(id), perDevice[id])
	}
}

func (e *Exporter) gather(ctx context.Context) []sample {
	c := e.source.IngestCounters()
	bus := e.source.BusStats()

	out := []sample{
		{"geotrack_locations_accepted_total", "Location updates accepted.", "counter", float64(c.Accepted)},
		{"geotrack_locations_rejected_total", "Location updates rejected.", "counter", float64(c.Rejected)},
		{"geotrack_geofence_breaches_total", "Geofence entry breaches detected.", "counter", float64(c.Breaches)},
		{"geotrack_anomalies_total", "Movement anomalies detected.", "counter", float64(c.Anomalies)},
		{"geotrack_analysis_failures_total", "Anomaly or breach analysis failures.", "counter", float64(c.AnalysisFailures)},
		{"geotrack_events_published_total", "Events published on the engine bus.", "counter", float64(bus.Published)},
		{"geotrack_events_dropped_total", "Events dropped because a subscriber buffer was full.", "counter", float64(bus.Dropped)},
		{"geotrack_event_subscribers", "Current event bus subscribers.", "gauge", float64(bus.Subscribers)},
	}

	if stats, err := e.source.GetStats(ctx); err != nil {
		e.logger.Warn("stats unavailable for metrics", "error", err)
	} else {
		out = append(out,
			sample{"geotrack_devices", "Registered devices.", "gauge", float64(stats.TotalDevices)},
			sample{"geotrack_devices_online", "Devices with status online.", "gauge", float64(stats.OnlineDevices)},
			sample{"geotrack_devices_critical", "Devices flagged as critical assets.", "gauge", float64(stats.CriticalDevices)},
			sample{"geotrack_alerts_active", "Alerts in status active.", "gauge", float64(stats.ActiveAlerts)},
			sample{"geotrack_geofences", "Active geofences in the catalog.", "gauge", float64(stats.Geofences)},
			sample{"geotrack_location_updates_24h", "Location records in the last 24 hours.", "gauge", float64(stats.LocationUpdatesLast24h)},
			sample{"geotrack_ingest_latency_ms", "Mean ingest latency over the sample window.", "gauge", stats.AverageResponseTimeMs},
		)
	}

	if e.relay != nil {
		relayed, failed := e.relay.Counts()
		out = append(out,
			sample{"geotrack_relay_events_total", "Events written to redis.", "counter", float64(relayed)},
			sample{"geotrack_relay_failures_total", "Events that failed to reach redis.", "counter", float64(failed)},
		)
	}

	if e.collector != nil {
		p := e.collector.Process()
		out = append(out,
			sample{"geotrack_process_goroutines", "Goroutines in the tracker process.", "gauge", float64(p.Goroutines)},
			sample{"geotrack_process_cpu_percent", "Process CPU usage.", "gauge", p.CPUPercent},
			sample{"geotrack_process_memory_mb", "Process resident memory in MiB.", "gauge", p.MemoryMB},
			sample{"geotrack_process_uptime_seconds", "Seconds since the tracker started.", "gauge", float64(p.UptimeSeconds)},
		)
	}
	return out
}
