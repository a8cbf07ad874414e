package api

import (
	"net/http"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/store"
)

// @Summary List servers
// @Description Returns registered servers, optionally filtered by status or role
// @Produce json
// @Param status query string false "Filter by status (active, unreachable, disabled)"
// @Param role query string false "Filter by service role"
// @Success 200 {object} map[string]interface{}
// @Router /servers/list [get]
func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	filter := store.ServerFilter{
		Status: model.ServerStatus(r.URL.Query().Get("status")),
		Role:   r.URL.Query().Get("role"),
	}
	servers, err := s.registry.List(filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if servers == nil {
		servers = []*model.Server{}
	}
	writeList(w, r, "servers", servers)
}

// @Summary Register server
// @Description Adds a server to the fleet; the host does not need to be reachable
// @Accept json
// @Produce json
// @Param server body registry.AddInput true "Server description"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Duplicate address"
// @Router /servers/add [post]
func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var in registry.AddInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	srv, err := s.registry.Add(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, srv)
}

// @Summary Get server
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /servers/{id} [get]
func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	srv, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, srv)
}

// @Summary Remove server
// @Description Deletes a server unless an in-flight task references it
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Server referenced by active task"
// @Router /servers/{id} [delete]
func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "server removed")
}

// @Summary Test connection
// @Description Probes the server over SSH and returns facts without persisting anything
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Router /servers/{id}/test-connection [post]
func (s *Server) handleServerTestConnection(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.TestConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

// @Summary Test connection spec
// @Description Probes an unregistered host so credentials can be verified before adding it
// @Accept json
// @Produce json
// @Param spec body registry.TestInput true "Connection parameters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /servers/test-connection [post]
func (s *Server) handleServerTestSpec(w http.ResponseWriter, r *http.Request) {
	var in registry.TestInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.registry.TestEndpoint(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

type rolesRequest struct {
	Roles []string `json:"service_roles"`
}

// @Summary Update roles
// @Accept json
// @Produce json
// @Param id path string true "Server id"
// @Param roles body rolesRequest true "Role assignments"
// @Success 200 {object} map[string]interface{}
// @Router /servers/{id}/roles [put]
func (s *Server) handleServerRoles(w http.ResponseWriter, r *http.Request) {
	var in rolesRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.registry.SetRoles(id, in.Roles); err != nil {
		writeError(w, r, err)
		return
	}
	srv, err := s.registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, srv)
}

// @Summary Disable server
// @Description Takes the server out of monitoring and scheduling
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Router /servers/{id}/disable [post]
func (s *Server) handleServerDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Disable(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "server disabled")
}

// @Summary Enable server
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Router /servers/{id}/enable [post]
func (s *Server) handleServerEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Enable(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "server enabled")
}

// @Summary Immediate health check
// @Description Probes the server now and returns it with refreshed health fields
// @Produce json
// @Param id path string true "Server id"
// @Success 200 {object} map[string]interface{}
// @Router /servers/{id}/health-check [post]
func (s *Server) handleServerHealthCheck(w http.ResponseWriter, r *http.Request) {
	srv, err := s.monitor.CheckServer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, srv)
}
