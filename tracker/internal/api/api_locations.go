package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pilot-net/geotrack/pkg/types"
)

// =============================================================================
// LOCATION ENDPOINTS
// =============================================================================

func (s *Server) handleIngestLocation(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "ingest rate limit exceeded")
		return
	}

	var update types.LocationUpdate
	if err := s.readJSON(w, r, &update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.svc.IngestLocation(r.Context(), update)
	if err != nil {
		s.writeServiceError(w, "ingest location", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

type importRequest struct {
	Records []types.LocationRecord `json:"records"`
}

func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	// Handle gzip compression
	var reader io.Reader = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid gzip")
			return
		}
		defer gz.Close()
		reader = http.MaxBytesReader(w, gz, maxDecodedBytes)
	}

	var req importRequest
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, "records required")
		return
	}

	n, err := s.svc.ImportHistory(r.Context(), req.Records)
	if err != nil {
		s.writeServiceError(w, "import history", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"imported": n,
	})
}

// =============================================================================
// GEOFENCE ENDPOINTS
// =============================================================================

func (s *Server) handleListGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := s.svc.ListGeofences()
	if err != nil {
		s.writeServiceError(w, "list geofences", err)
		return
	}
	s.writeJSON(w, http.StatusOK, fences)
}

func (s *Server) handleCreateGeofence(w http.ResponseWriter, r *http.Request) {
	var g types.Geofence
	if err := s.readJSON(w, r, &g); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.svc.CreateGeofence(r.Context(), g)
	if err != nil {
		s.writeServiceError(w, "create geofence", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleReloadGeofences(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ReloadGeofences(r.Context())
	if err != nil {
		s.writeServiceError(w, "reload geofences", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"loaded": n,
	})
}
