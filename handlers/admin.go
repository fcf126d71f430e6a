package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/quotewire/streamgate/multiplexer"
)

// handleHealth reports service liveness and datastore reachability.
// GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Error("Health check datastore ping failed", map[string]interface{}{"error": err.Error()})
	}

	maintenance, _ := h.store.Maintenance()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"maintenance": maintenance,
	})
}

// handleStats returns a snapshot of every multiplexer instance.
// GET /admin/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]multiplexer.Stats, 0, 5)
	for _, m := range h.registry.All() {
		stats = append(stats, m.Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"multiplexers": stats,
	})
}

// maintenanceRequest is the body of POST /admin/maintenance.
type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// handleMaintenance flips the persisted maintenance flag. While enabled, new
// stream requests get 503; existing streams are left to drain on their own.
// POST /admin/maintenance
func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.SetMaintenance(req.Enabled); err != nil {
		h.logger.Error("Failed to set maintenance flag", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to persist maintenance flag")
		return
	}

	h.logger.Info("Maintenance mode changed", map[string]interface{}{"enabled": req.Enabled})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"enabled": req.Enabled})
}
