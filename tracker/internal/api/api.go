// Package api provides HTTP handlers for the tracker.
//
// # Endpoints
//
// Devices:
//   - GET  /api/v1/devices - List devices (?status=&critical=)
//   - POST /api/v1/devices - Register device
//   - GET  /api/v1/devices/{id} - Get device
//   - PUT  /api/v1/devices/{id}/status - Change status / health
//   - GET  /api/v1/devices/{id}/history - Location history (?limit=)
//   - GET  /api/v1/devices/{id}/assets - Linked assets and network segments
//
// Locations:
//   - POST /api/v1/locations - Ingest one location update (rate limited)
//   - POST /api/v1/locations/import - Bulk import history (gzip accepted)
//
// Geofences:
//   - GET  /api/v1/geofences - List active geofences
//   - POST /api/v1/geofences - Create geofence
//   - POST /api/v1/geofences/reload - Reload catalog from the store
//
// Alerts:
//   - GET  /api/v1/alerts - List alerts (?status=&severity=&device_id=&limit=)
//   - GET  /api/v1/alerts/queue - Open alerts in priority order
//   - GET  /api/v1/alerts/{id} - Get alert
//   - POST /api/v1/alerts/{id}/acknowledge - Acknowledge alert
//   - POST /api/v1/alerts/{id}/resolve - Resolve alert
//
// Other:
//   - GET /api/v1/health - Health check
//   - GET /api/v1/stats - Fleet stats (cached when redis is configured)
//   - GET /api/v1/stream - Websocket event stream
//   - GET /metrics - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/geotrack/pkg/types"
	"github.com/pilot-net/geotrack/tracker/internal/cache"
	"github.com/pilot-net/geotrack/tracker/internal/metrics"
	"github.com/pilot-net/geotrack/tracker/internal/service"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodyBytes        = 8 << 20
	maxDecodedBytes     = 32 << 20 // ceiling after gzip expansion
)

// Options wires optional collaborators into the server.
type Options struct {
	Cache    *cache.Cache // nil disables stats caching
	StatsTTL time.Duration

	Collector *metrics.Collector
	Metrics   http.Handler // served at /metrics when set
	Stream    http.Handler // served at /api/v1/stream when set

	// IngestRate limits POST /api/v1/locations in requests per second.
	// Zero disables limiting.
	IngestRate  float64
	IngestBurst int

	CORSOrigin string
}

// Server is the HTTP API server.
type Server struct {
	svc     *service.Service
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, opts Options, logger *slog.Logger) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	if opts.IngestRate > 0 {
		burst := opts.IngestBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.IngestRate), burst)
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Content-Encoding")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	// Devices - static routes before wildcard {id} routes
	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/devices", s.handleRegisterDevice)
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /api/v1/devices/{id}/status", s.handleUpdateDeviceStatus)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/history", s.handleDeviceHistory)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/assets", s.handleDeviceAssets)

	// Locations
	s.mux.HandleFunc("POST /api/v1/locations", s.handleIngestLocation)
	s.mux.HandleFunc("POST /api/v1/locations/import", s.handleImportHistory)

	// Geofences
	s.mux.HandleFunc("GET /api/v1/geofences", s.handleListGeofences)
	s.mux.HandleFunc("POST /api/v1/geofences", s.handleCreateGeofence)
	s.mux.HandleFunc("POST /api/v1/geofences/reload", s.handleReloadGeofences)

	// Alerts
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/queue", s.handleAlertQueue)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)

	if s.opts.Stream != nil {
		s.mux.Handle("GET /api/v1/stream", s.opts.Stream)
	}
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// =============================================================================
// HEALTH & STATS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := types.Health{
		Status: "ok",
		Store:  "ok",
		Closed: s.svc.IsClosed(),
		Time:   time.Now().UTC(),
	}
	if s.opts.Collector != nil {
		health.Process = s.opts.Collector.Process()
		if health.Process.Status == "degraded" {
			health.Status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		health.Store = err.Error()
		health.Status = "unavailable"
	}
	if health.Closed {
		health.Status = "unavailable"
	}

	status := http.StatusOK
	if health.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := cache.Remember(r.Context(), s.opts.Cache, cache.StatsKey, s.opts.StatsTTL,
		func(ctx context.Context) (*types.Stats, error) {
			return s.svc.GetStats(ctx)
		})
	if err != nil {
		s.writeServiceError(w, "get stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps engine error kinds onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrServiceClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, types.Validationf("parse query", "%s must be a non-negative integer", name)
	}
	return n, nil
}
