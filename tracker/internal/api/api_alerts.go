package api

import (
	"net/http"

	"github.com/pilot-net/geotrack/pkg/types"
)

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var filter types.AlertFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		status := types.AlertStatus(v)
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("severity"); v != "" {
		severity := types.AlertSeverity(v)
		if severity.Level() == 0 {
			s.writeError(w, http.StatusBadRequest, "invalid severity: "+v)
			return
		}
		filter.Severity = &severity
	}
	if v := q.Get("device_id"); v != "" {
		filter.DeviceID = &v
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeServiceError(w, "list alerts", err)
		return
	}
	filter.Limit = limit

	alerts, err := s.svc.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.svc.AlertQueue()
	if err != nil {
		s.writeServiceError(w, "alert queue", err)
		return
	}
	if queue == nil {
		queue = []types.Alert{}
	}
	s.writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "get alert", err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := s.readJSON(w, r, &req); err != nil || req.AcknowledgedBy == "" {
		req.AcknowledgedBy = "api"
	}

	alert, err := s.svc.AcknowledgeAlert(r.Context(), r.PathValue("id"), req.AcknowledgedBy)
	if err != nil {
		s.writeServiceError(w, "acknowledge alert", err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.ResolveAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "resolve alert", err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}
