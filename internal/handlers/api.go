package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

// APIHandler serves the admin endpoints on the proxy port
type APIHandler struct {
	broker  *broker.Service
	history interfaces.JobHistoryStorage
	logger  arbor.ILogger
}

// NewAPIHandler creates a new APIHandler. history may be nil.
func NewAPIHandler(brokerService *broker.Service, history interfaces.JobHistoryStorage, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		broker:  brokerService,
		history: history,
		logger:  logger,
	}
}

// HealthHandler handles GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// StatusHandler handles GET /api/status with the per-target snapshot
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"targets":        h.broker.GetStatus(),
		"has_queued_job": h.broker.HasQueuedJobs(),
	})
}

// HistoryHandler handles GET /api/history
func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	if h.history == nil {
		WriteError(w, http.StatusNotFound, "job history disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var err error
	if targetID := r.URL.Query().Get("target"); targetID != "" {
		records, listErr := h.history.ListRecordsForTarget(r.Context(), targetID, limit)
		if listErr == nil {
			WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records})
			return
		}
		err = listErr
	} else {
		records, listErr := h.history.ListRecords(r.Context(), limit)
		if listErr == nil {
			WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records})
			return
		}
		err = listErr
	}

	h.logger.Error().Err(err).Msg("Failed to list job history")
	WriteError(w, http.StatusInternalServerError, err.Error())
}

// NotFoundHandler answers unmatched /api/ routes
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "not found")
}
