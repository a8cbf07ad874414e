package api

import (
	"net/http"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/scheduler"
)

type deployRequest struct {
	ServiceType    string         `json:"service_type"`
	SourceServerID string         `json:"source_server_id,omitempty"`
	TargetServerID string         `json:"target_server_id"`
	Priority       model.Priority `json:"priority,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request, taskType model.TaskType) {
	var in deployRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	s.submitTask(w, r, taskType, in)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request, taskType model.TaskType, in deployRequest) {
	task, err := s.scheduler.Create(scheduler.CreateInput{
		Type:           taskType,
		ServiceType:    in.ServiceType,
		SourceServerID: in.SourceServerID,
		TargetServerID: in.TargetServerID,
		Priority:       in.Priority,
		Config:         in.Config,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, task)
}

// createDeployRequest is the generic create shape with the task type in
// the body instead of the route.
type createDeployRequest struct {
	TaskType model.TaskType `json:"task_type"`
	deployRequest
}

// @Summary Create deployment task
// @Description Starts a task of the given type; equivalent to the per-type routes
// @Accept json
// @Produce json
// @Param task body createDeployRequest true "Task description"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Unknown task type"
// @Failure 409 {object} map[string]interface{} "Target busy"
// @Router /deploy/create [post]
func (s *Server) handleDeployCreate(w http.ResponseWriter, r *http.Request) {
	var in createDeployRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	s.submitTask(w, r, in.TaskType, in.deployRequest)
}

// @Summary Install service
// @Description Starts an asynchronous install task against the target server
// @Accept json
// @Produce json
// @Param task body deployRequest true "Install request"
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Target busy"
// @Router /deploy/install [post]
func (s *Server) handleDeployInstall(w http.ResponseWriter, r *http.Request) {
	s.createTask(w, r, model.TaskInstall)
}

// @Summary Migrate service
// @Description Starts an asynchronous migration from source to target server
// @Accept json
// @Produce json
// @Param task body deployRequest true "Migration request"
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Target busy"
// @Router /deploy/migrate [post]
func (s *Server) handleDeployMigrate(w http.ResponseWriter, r *http.Request) {
	s.createTask(w, r, model.TaskMigrate)
}

// @Summary Back up service
// @Description Starts an asynchronous backup; runs alongside other tasks
// @Accept json
// @Produce json
// @Param task body deployRequest true "Backup request"
// @Success 202 {object} map[string]interface{}
// @Router /deploy/backup [post]
func (s *Server) handleDeployBackup(w http.ResponseWriter, r *http.Request) {
	s.createTask(w, r, model.TaskBackup)
}

// @Summary List deployment tasks
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /deploy/list [get]
func (s *Server) handleDeployList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.scheduler.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.DeploymentTask{}
	}
	writeList(w, r, "deployments", tasks)
}

// @Summary Get deployment task
// @Produce json
// @Param id path string true "Task id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /deploy/{id} [get]
func (s *Server) handleDeployGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, task)
}

// @Summary Deployment logs
// @Description Returns status, progress, and the ordered step log
// @Produce json
// @Param id path string true "Task id"
// @Success 200 {object} map[string]interface{}
// @Router /deploy/{id}/logs [get]
func (s *Server) handleDeployLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.scheduler.Logs(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs.Log == nil {
		logs.Log = []string{}
	}
	writeData(w, r, http.StatusOK, logs)
}

// @Summary Cancel deployment task
// @Description Cooperatively cancels a Pending or Running task
// @Produce json
// @Param id path string true "Task id"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "Task already terminal"
// @Router /deploy/{id}/cancel [post]
func (s *Server) handleDeployCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Cancel(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "task cancelled")
}
