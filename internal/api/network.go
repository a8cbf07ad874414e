package api

import (
	"net/http"

	"github.com/tovfikur/fleetd/internal/discovery"
	"github.com/tovfikur/fleetd/internal/model"
)

type scanCredentials struct {
	Credentials []model.Credential `json:"credentials"`
}

type scanRequest struct {
	NetworkRange   string          `json:"network_range"`
	SSHCredentials scanCredentials `json:"ssh_credentials"`
}

// @Summary Scan network range
// @Description Starts an asynchronous SSH sweep of the range; results land on the returned task
// @Accept json
// @Produce json
// @Param scan body scanRequest true "Range and credentials to try"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /network/scan [post]
func (s *Server) handleNetworkScan(w http.ResponseWriter, r *http.Request) {
	var in scanRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.discovery.ScanNetwork(r.Context(), in.NetworkRange, in.SSHCredentials.Credentials)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, task)
}

// autoSetupRequest accepts either a single machine inline or a batch
// under "machines".
type autoSetupRequest struct {
	discovery.AutoSetupMachine
	Machines []discovery.AutoSetupMachine `json:"machines,omitempty"`
}

// @Summary Auto-setup machines
// @Description Registers each machine and starts a setup task; failures are reported per machine
// @Accept json
// @Produce json
// @Param machines body autoSetupRequest true "Machine (or batch of machines) to bootstrap"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /network/auto-setup [post]
func (s *Server) handleNetworkAutoSetup(w http.ResponseWriter, r *http.Request) {
	var in autoSetupRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	machines := in.Machines
	if len(machines) == 0 && in.IPAddress != "" {
		machines = []discovery.AutoSetupMachine{in.AutoSetupMachine}
	}
	results, err := s.discovery.AutoSetup(machines)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeList(w, r, "results", results)
}
