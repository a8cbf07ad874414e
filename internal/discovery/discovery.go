// Package discovery scans network ranges for SSH-reachable machines and
// bootstraps them into the fleet.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/scheduler"
	"github.com/tovfikur/fleetd/internal/store"
)

// Options tune scan behavior and auto-setup readiness checks.
type Options struct {
	Workers      int
	ProbeTimeout time.Duration
	MinCPUCores  int
	MinMemoryGB  float64
	MinDiskGB    float64
	// ExclusiveRoles may be recommended to at most one server fleet-wide.
	ExclusiveRoles []string
}

// Service probes address ranges and reports discovered machines. Scans run
// as network_scan tasks so their progress and results are queryable
// through the regular deployment endpoints.
type Service struct {
	store    *store.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler
	exec     remote.Executor
	opts     Options
	logger   *slog.Logger
}

// New creates a discovery service.
func New(st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, exec remote.Executor, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		registry: reg,
		sched:    sched,
		exec:     exec,
		opts:     opts,
		logger:   logger.With("component", "discovery"),
	}
}

// ScanNetwork starts an asynchronous scan of the given range, trying each
// credential against every address. It returns the tracking task
// immediately; results land in the task config when the scan finishes.
func (s *Service) ScanNetwork(ctx context.Context, cidr string, creds []model.Credential) (*model.DeploymentTask, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: at least one credential is required", model.ErrValidation)
	}
	for i, c := range creds {
		if c.Username == "" {
			return nil, fmt.Errorf("%w: credentials[%d]: username is required", model.ErrValidation, i)
		}
	}
	hosts, err := hostsFromCIDR(cidr)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &model.DeploymentTask{
		ID:        uuid.NewString(),
		Type:      model.TaskNetworkScan,
		Status:    model.TaskPending,
		Priority:  model.PriorityNormal,
		Config:    map[string]any{"network_range": cidr, "host_count": len(hosts)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertTask(task); err != nil {
		return nil, err
	}

	// The scan outlives the request that started it.
	go s.runScan(context.WithoutCancel(ctx), task.ID, cidr, hosts, creds)

	s.logger.Info("network scan started", "task_id", task.ID, "range", cidr, "hosts", len(hosts))
	return task, nil
}

// runScan probes all hosts with bounded concurrency and records the
// result set on the tracking task.
func (s *Service) runScan(ctx context.Context, taskID, cidr string, hosts []string, creds []model.Credential) {
	total := len(hosts)
	machines := make([]model.DiscoveredMachine, total)

	var mu sync.Mutex
	scanned := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, host := range hosts {
		g.Go(func() error {
			machines[i] = s.probeHost(gctx, host, creds)

			mu.Lock()
			scanned++
			done, progress := scanned, scanned*100/total
			mu.Unlock()
			if progress >= 100 {
				// 100 is written with the completion below.
				progress = 99
			}
			if err := s.store.UpdateTaskState(taskID, model.TaskRunning, progress, fmt.Sprintf("scanned %d/%d", done, total)); err != nil {
				s.logger.Error("scan progress update failed", "task_id", taskID, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	reachable := 0
	ready := 0
	for _, m := range machines {
		if m.SSHAccessible {
			reachable++
		}
		if m.AutoSetupReady {
			ready++
		}
	}

	cfg := map[string]any{
		"network_range":       cidr,
		"host_count":          total,
		"reachable_count":     reachable,
		"auto_setup_ready":    ready,
		"discovered_machines": machines,
	}
	if err := s.store.SetTaskConfig(taskID, cfg); err != nil {
		s.logger.Error("storing scan results failed", "task_id", taskID, "error", err)
	}
	if err := s.store.UpdateTaskState(taskID, model.TaskCompleted, 100, ""); err != nil {
		s.logger.Error("completing scan task failed", "task_id", taskID, "error", err)
	}
	if err := s.store.AppendTaskLog(taskID, fmt.Sprintf("scan finished: %d/%d reachable, %d auto-setup ready", reachable, total, ready)); err != nil {
		s.logger.Error("appending scan log failed", "task_id", taskID, "error", err)
	}
	s.logger.Info("network scan finished", "task_id", taskID, "range", cidr,
		"reachable", reachable, "ready", ready)
}

// probeHost tries each credential in order until one yields a working SSH
// session, then gathers facts and judges auto-setup readiness.
func (s *Service) probeHost(ctx context.Context, host string, creds []model.Credential) model.DiscoveredMachine {
	machine := model.DiscoveredMachine{IP: host}

	var lastErr error
	for _, cred := range creds {
		port := cred.Port
		if port == 0 {
			port = 22
		}
		ep := remote.Endpoint{Host: host, Port: port, User: cred.Username, Password: cred.Password}

		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		facts, err := remote.GatherFacts(probeCtx, s.exec, ep)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		machine.Port = port
		machine.Username = cred.Username
		machine.Hostname = facts.Hostname
		machine.OSType = facts.OSType
		machine.OSVersion = facts.OSVersion
		machine.CPUCores = facts.CPUCores
		machine.MemoryGB = facts.MemoryGB
		machine.DiskGB = facts.DiskGB
		machine.SSHAccessible = true
		machine.RecommendedRoles = s.recommendRoles(facts)
		machine.AutoSetupReady = s.autoSetupReady(host, facts)
		return machine
	}

	if lastErr != nil {
		machine.FailReason = lastErr.Error()
	}
	return machine
}

// recommendRoles suggests service roles from gathered facts. Exclusive
// roles already held by a fleet member are never recommended again.
func (s *Service) recommendRoles(facts model.SystemFacts) []string {
	roles := []string{"web"}
	if facts.MemoryGB >= 8 {
		roles = append(roles, "db")
	}
	if facts.CPUCores >= 4 {
		roles = append(roles, "cache")
	}
	if facts.CPUCores >= 2 && facts.MemoryGB >= 2 {
		roles = append(roles, "proxy")
	}

	out := roles[:0]
	for _, role := range roles {
		if s.isExclusive(role) && s.roleTaken(role) {
			continue
		}
		out = append(out, role)
	}
	return out
}

// autoSetupReady requires SSH access, minimum resources, and an
// unregistered address.
func (s *Service) autoSetupReady(host string, facts model.SystemFacts) bool {
	if facts.CPUCores < s.opts.MinCPUCores ||
		facts.MemoryGB < s.opts.MinMemoryGB ||
		facts.DiskGB < s.opts.MinDiskGB {
		return false
	}
	servers, err := s.registry.List(store.ServerFilter{})
	if err != nil {
		s.logger.Error("listing servers during scan", "error", err)
		return false
	}
	for _, srv := range servers {
		if srv.IPAddress == host {
			return false
		}
	}
	return true
}

func (s *Service) isExclusive(role string) bool {
	for _, r := range s.opts.ExclusiveRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Service) roleTaken(role string) bool {
	servers, err := s.registry.List(store.ServerFilter{Role: role})
	if err != nil {
		s.logger.Error("listing servers by role", "role", role, "error", err)
		return true
	}
	return len(servers) > 0
}

// AutoSetupMachine is one discovered host to register and provision.
type AutoSetupMachine struct {
	Name        string   `json:"name"`
	IPAddress   string   `json:"ip_address"`
	Port        int      `json:"port"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	ServiceType string   `json:"service_type"`
	Roles       []string `json:"service_roles"`
}

// AutoSetupResult reports the outcome for one machine. Failures are
// per-machine: one bad host never blocks the rest of the batch.
type AutoSetupResult struct {
	IPAddress string `json:"ip_address"`
	ServerID  string `json:"server_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AutoSetup registers each machine and starts an auto_setup task for it.
func (s *Service) AutoSetup(machines []AutoSetupMachine) ([]AutoSetupResult, error) {
	if len(machines) == 0 {
		return nil, fmt.Errorf("%w: at least one machine is required", model.ErrValidation)
	}

	results := make([]AutoSetupResult, 0, len(machines))
	for _, m := range machines {
		res := AutoSetupResult{IPAddress: m.IPAddress}

		name := m.Name
		if name == "" {
			name = m.IPAddress
		}
		srv, err := s.registry.Add(registry.AddInput{
			Name:      name,
			IPAddress: m.IPAddress,
			Port:      m.Port,
			Username:  m.Username,
			Auth:      model.Auth{Method: model.AuthPassword, Password: m.Password},
			Roles:     m.Roles,
		})
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.ServerID = srv.ID

		// Without a named service, auto-setup provisions the container
		// runtime the roles will run on.
		service := m.ServiceType
		if service == "" {
			service = "docker"
		}
		task, err := s.sched.Create(scheduler.CreateInput{
			Type:           model.TaskAutoSetup,
			ServiceType:    service,
			TargetServerID: srv.ID,
			Config:         map[string]any{"roles": m.Roles},
		})
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.TaskID = task.ID
		results = append(results, res)
	}
	return results, nil
}
