package api

import (
	"net/http"
	"time"
)

// @Summary Health check
// @Description Reports process liveness and background loop state
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.scheduler.Running() {
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

// @Summary Fleet overview
// @Description Aggregated counters for the dashboard
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /status/overview [get]
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.store.Overview()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, overview)
}
