package handlers

import (
	"net/http"
	"strings"

	"vigil/internal/logger"
	"vigil/internal/models"
	"vigil/internal/storage"
)

// AlertsHandler lists triggered alerts.
type AlertsHandler struct {
	store storage.AlertStore
}

// NewAlertsHandler creates an alerts handler
func NewAlertsHandler(store storage.AlertStore) *AlertsHandler {
	return &AlertsHandler{store: store}
}

// List handles GET /alerts?device_id=&limit=, newest first. device_id is an
// optional filter
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	alerts, err := h.store.ListAlerts(r.Context(), deviceID, int(limit))
	if err != nil {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("device_id", deviceID).
			Msg("failed to list alerts")
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"count":     len(alerts),
		"alerts":    alerts,
	})
}
