package api

import (
	"net/http"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/store"
)

// @Summary List alerts
// @Produce json
// @Param status query string false "Filter by status (active, acknowledged, resolved)"
// @Param server_id query string false "Filter by server id"
// @Success 200 {object} map[string]interface{}
// @Router /alerts/list [get]
func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	filter := store.AlertFilter{
		Status:   model.AlertStatus(r.URL.Query().Get("status")),
		ServerID: r.URL.Query().Get("server_id"),
	}
	alerts, err := s.alerts.List(filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	writeList(w, r, "alerts", alerts)
}

// @Summary Get alert
// @Produce json
// @Param id path string true "Alert id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /alerts/{id} [get]
func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, alert)
}

// @Summary Acknowledge alert
// @Description Marks an Active alert as seen; acknowledged alerts are not auto-resolved
// @Produce json
// @Param id path string true "Alert id"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Alert not Active"
// @Router /alerts/{id}/acknowledge [post]
func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.alerts.Acknowledge(id); err != nil {
		writeError(w, r, err)
		return
	}
	alert, err := s.alerts.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, alert)
}

type resolveRequest struct {
	Notes string `json:"resolution_notes,omitempty"`
}

// @Summary Resolve alert
// @Accept json
// @Produce json
// @Param id path string true "Alert id"
// @Param body body resolveRequest false "Resolution notes"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Alert already resolved"
// @Router /alerts/{id}/resolve [post]
func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	var in resolveRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := r.PathValue("id")
	if err := s.alerts.Resolve(id, in.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	alert, err := s.alerts.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, alert)
}
