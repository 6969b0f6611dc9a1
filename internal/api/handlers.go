package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/rekindle/internal/auth"
	"github.com/foxzi/rekindle/internal/importer"
)

const (
	maxLookbackHours    = 720
	defaultMaxBodyBytes = 10 << 20
)

// ImportRequest is the request body for POST /api/v1/import
type ImportRequest struct {
	CSVData string                 `json:"csvData"`
	Options importer.ImportOptions `json:"options"`
}

// ImportResponse is the success response for POST /api/v1/import
type ImportResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    *importer.Result `json:"data"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// MetricsResponse is the response for GET /api/v1/import/metrics
type MetricsResponse struct {
	Hours   int `json:"hours"`
	Metrics any `json:"metrics"`
}

// AlertsResponse is the response for GET /api/v1/import/alerts
type AlertsResponse struct {
	Alerts []string `json:"alerts"`
}

// HistoryResponse is the response for GET /api/v1/import/history
type HistoryResponse struct {
	Hours   int `json:"hours"`
	Imports int `json:"imports"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleImport handles POST /api/v1/import
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		sendError(w, http.StatusServiceUnavailable, "Import service is not configured", importer.KindNotConfigured.Code())
		return
	}

	limit := s.config.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "Request body too large", importer.KindTooLarge.Code())
			return
		}
		sendError(w, http.StatusBadRequest, "Invalid request body", importer.KindInvalidInput.Code())
		return
	}

	owner, _ := auth.OwnerFromContext(r.Context())

	result, err := s.importer.Import(r.Context(), importer.Request{
		OwnerID: owner,
		CSVData: req.CSVData,
		Options: req.Options,
	})
	if err != nil {
		s.sendImportError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, ImportResponse{
		Success: true,
		Message: result.Message(),
		Data:    result,
	})
}

// handleImportMetrics handles GET /api/v1/import/metrics
func (s *Server) handleImportMetrics(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		sendError(w, http.StatusServiceUnavailable, "Monitoring is not configured", importer.KindNotConfigured.Code())
		return
	}

	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	owner, _ := auth.OwnerFromContext(r.Context())

	m, err := s.monitor.Metrics(r.Context(), owner, time.Duration(hours)*time.Hour)
	if err != nil {
		s.logger.Error("failed to get import metrics", "user_id", owner, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get import metrics", importer.KindStore.Code())
		return
	}

	sendJSON(w, http.StatusOK, MetricsResponse{Hours: hours, Metrics: m})
}

// handleImportAlerts handles GET /api/v1/import/alerts
func (s *Server) handleImportAlerts(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		sendError(w, http.StatusServiceUnavailable, "Monitoring is not configured", importer.KindNotConfigured.Code())
		return
	}

	owner, _ := auth.OwnerFromContext(r.Context())

	alerts, err := s.monitor.CheckAlerts(r.Context(), owner)
	if err != nil {
		s.logger.Error("failed to check import alerts", "user_id", owner, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to check import alerts", importer.KindStore.Code())
		return
	}

	sendJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts})
}

// handleImportHistory handles GET /api/v1/import/history
func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		sendError(w, http.StatusServiceUnavailable, "Monitoring is not configured", importer.KindNotConfigured.Code())
		return
	}

	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	owner, _ := auth.OwnerFromContext(r.Context())

	n, err := s.monitor.History(r.Context(), owner, time.Duration(hours)*time.Hour)
	if err != nil {
		s.logger.Error("failed to get import history", "user_id", owner, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get import history", importer.KindStore.Code())
		return
	}

	sendJSON(w, http.StatusOK, HistoryResponse{Hours: hours, Imports: n})
}

// handleMembersCount handles GET /api/v1/members/count
func (s *Server) handleMembersCount(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		sendError(w, http.StatusServiceUnavailable, "Member store is not configured", importer.KindNotConfigured.Code())
		return
	}

	owner, _ := auth.OwnerFromContext(r.Context())

	counts, err := s.members.CountByOwner(r.Context(), owner)
	if err != nil {
		s.logger.Error("failed to count members", "user_id", owner, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to count members", importer.KindStore.Code())
		return
	}

	sendJSON(w, http.StatusOK, counts)
}

// handleSystemHealth handles GET /api/v1/health/imports
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		sendError(w, http.StatusServiceUnavailable, "Monitoring is not configured", importer.KindNotConfigured.Code())
		return
	}

	health := s.monitor.SystemHealth(r.Context())
	sendJSON(w, http.StatusOK, health)
}

// parseHours reads the hours query parameter, 24 when absent
func parseHours(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return 24, true
	}

	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxLookbackHours {
		sendError(w, http.StatusBadRequest, "hours must be between 1 and 720", importer.KindInvalidInput.Code())
		return 0, false
	}
	return hours, true
}

// sendImportError writes an import failure
func (s *Server) sendImportError(w http.ResponseWriter, err error) {
	var ie *importer.Error
	if !errors.As(err, &ie) {
		s.logger.Error("unexpected import error", "error", err)
		sendError(w, http.StatusInternalServerError, "Internal server error", importer.KindInternal.Code())
		return
	}

	if ie.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ie.RetryAfter))
	}

	sendJSON(w, ie.HTTPStatus(), ErrorResponse{
		Error:      ie.Message,
		Details:    ie.Details,
		Code:       ie.Code(),
		RetryAfter: ie.RetryAfter,
	})
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message, code string) {
	sendJSON(w, status, ErrorResponse{Error: message, Code: code})
}
