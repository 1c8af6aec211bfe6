package api

import (
	"net/http"
	"strconv"

	"github.com/pilot-net/geotrack/pkg/types"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var filter types.DeviceFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		status := types.DeviceStatus(v)
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("critical"); v != "" {
		critical, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "critical must be true or false")
			return
		}
		filter.CriticalAsset = &critical
	}

	devices, err := s.svc.ListDevices(filter)
	if err != nil {
		s.writeServiceError(w, "list devices", err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var spec types.DeviceSpec
	if err := s.readJSON(w, r, &spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.svc.RegisterDevice(r.Context(), spec)
	if err != nil {
		s.writeServiceError(w, "register device", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.svc.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

type statusRequest struct {
	Status      types.DeviceStatus `json:"status"`
	HealthScore *int               `json:"health_score,omitempty"`
}

func (s *Server) handleUpdateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.svc.UpdateDeviceStatus(r.Context(), r.PathValue("id"), req.Status, req.HealthScore)
	if err != nil {
		s.writeServiceError(w, "update device status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		s.writeServiceError(w, "device history", err)
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	history, err := s.svc.DeviceHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeServiceError(w, "device history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeviceAssets(w http.ResponseWriter, r *http.Request) {
	assets, segments, err := s.svc.DeviceAssets(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "device assets", err)
		return
	}
	if assets == nil {
		assets = []types.Asset{}
	}
	if segments == nil {
		segments = []types.NetworkSegment{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"assets":           assets,
		"network_segments": segments,
	})
}
