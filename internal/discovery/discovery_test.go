package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/scheduler"
	"github.com/tovfikur/fleetd/internal/store"
)

// hostSpec describes one fake host reachable during a scan.
type hostSpec struct {
	facts    model.SystemFacts
	username string
}

// scanExec answers facts probes for configured hosts and refuses
// everything else.
type scanExec struct {
	mu    sync.Mutex
	hosts map[string]hostSpec
}

func (e *scanExec) Run(_ context.Context, ep remote.Endpoint, _ string) (remote.Result, error) {
	e.mu.Lock()
	spec, ok := e.hosts[ep.Host]
	e.mu.Unlock()
	if !ok || (spec.username != "" && spec.username != ep.User) {
		return remote.Result{}, &remote.ConnectivityError{Addr: ep.Address(), Reason: remote.FailRefused, Cause: errors.New("connection refused")}
	}
	out := fmt.Sprintf("%s\n%s %s\n%d\n%.0f\n%.0f\n",
		spec.facts.Hostname, spec.facts.OSType, spec.facts.OSVersion,
		spec.facts.CPUCores, spec.facts.MemoryGB*1024, spec.facts.DiskGB)
	return remote.Result{Stdout: out}, nil
}

type fixture struct {
	svc   *Service
	store *store.Store
	reg   *registry.Registry
	sched *scheduler.Scheduler
	exec  *scanExec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "fleetd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := &scanExec{hosts: make(map[string]hostSpec)}
	reg := registry.New(st, exec, 5*time.Second, logger)
	sched := scheduler.New(st, reg, exec, scheduler.Options{
		StepTimeout:  5 * time.Second,
		StepRetries:  0,
		RetryBackoff: time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, sched.Running, time.Second, time.Millisecond)

	svc := New(st, reg, sched, exec, Options{
		Workers:        4,
		ProbeTimeout:   time.Second,
		MinCPUCores:    2,
		MinMemoryGB:    4,
		MinDiskGB:      20,
		ExclusiveRoles: []string{"proxy"},
	}, logger)
	return &fixture{svc: svc, store: st, reg: reg, sched: sched, exec: exec}
}

func (f *fixture) waitScan(t *testing.T, id string) *model.DeploymentTask {
	t.Helper()
	var task *model.DeploymentTask
	require.Eventually(t, func() bool {
		got, err := f.store.GetTask(id)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

// machinesFrom decodes the discovered_machines config entry, which round
// trips through JSON in the store.
func machinesFrom(t *testing.T, task *model.DeploymentTask) []map[string]any {
	t.Helper()
	raw, ok := task.Config["discovered_machines"].([]any)
	require.True(t, ok, "missing discovered_machines in config")
	out := make([]map[string]any, len(raw))
	for i, m := range raw {
		out[i] = m.(map[string]any)
	}
	return out
}

func machineByIP(t *testing.T, machines []map[string]any, ip string) map[string]any {
	t.Helper()
	for _, m := range machines {
		if m["ip"] == ip {
			return m
		}
	}
	t.Fatalf("no machine with ip %s", ip)
	return nil
}

func TestScanNetwork(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		username: "root",
		facts:    model.SystemFacts{Hostname: "node-a", OSType: "ubuntu", OSVersion: "24.04", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}
	// 10.0.0.2 exists in the range but never answers.

	task, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30",
		[]model.Credential{{Username: "root", Password: "pw"}})
	require.NoError(t, err)
	assert.Equal(t, model.TaskNetworkScan, task.Type)

	got := f.waitScan(t, task.ID)
	require.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	machines := machinesFrom(t, got)
	require.Len(t, machines, 2)

	up := machineByIP(t, machines, "10.0.0.1")
	assert.Equal(t, true, up["ssh_accessible"])
	assert.Equal(t, true, up["auto_setup_ready"])
	assert.Equal(t, "node-a", up["hostname"])
	assert.Equal(t, float64(4), up["cpu_cores"])

	down := machineByIP(t, machines, "10.0.0.2")
	assert.Equal(t, false, down["ssh_accessible"])
	assert.Equal(t, false, down["auto_setup_ready"])
	assert.Contains(t, down["fail_reason"], "refused")

	assert.Equal(t, float64(1), got.Config["reachable_count"])
}

func TestScanNetwork_TriesCredentialsInOrder(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		username: "admin",
		facts:    model.SystemFacts{Hostname: "node-a", CPUCores: 2, MemoryGB: 4, DiskGB: 40},
	}

	task, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30", []model.Credential{
		{Username: "root", Password: "wrong"},
		{Username: "admin", Password: "pw"},
	})
	require.NoError(t, err)

	got := f.waitScan(t, task.ID)
	machines := machinesFrom(t, got)
	up := machineByIP(t, machines, "10.0.0.1")
	assert.Equal(t, true, up["ssh_accessible"])
	assert.Equal(t, "admin", up["username"])
}

func TestScanNetwork_BelowMinimumResources(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "tiny", CPUCores: 1, MemoryGB: 1, DiskGB: 10},
	}

	task, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30",
		[]model.Credential{{Username: "root"}})
	require.NoError(t, err)

	got := f.waitScan(t, task.ID)
	up := machineByIP(t, machinesFrom(t, got), "10.0.0.1")
	assert.Equal(t, true, up["ssh_accessible"])
	assert.Equal(t, false, up["auto_setup_ready"])
}

func TestScanNetwork_RegisteredHostNotReady(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "node-a", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}
	_, err := f.reg.Add(registry.AddInput{
		Name:      "node-a",
		IPAddress: "10.0.0.1",
		Username:  "root",
		Auth:      model.Auth{Method: model.AuthPassword, Password: "pw"},
	})
	require.NoError(t, err)

	task, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30",
		[]model.Credential{{Username: "root"}})
	require.NoError(t, err)

	got := f.waitScan(t, task.ID)
	up := machineByIP(t, machinesFrom(t, got), "10.0.0.1")
	assert.Equal(t, true, up["ssh_accessible"])
	assert.Equal(t, false, up["auto_setup_ready"])
}

func TestScanNetwork_ExclusiveRoleNotRecommendedTwice(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "node-a", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}
	_, err := f.reg.Add(registry.AddInput{
		Name:      "edge",
		IPAddress: "10.0.0.9",
		Username:  "root",
		Auth:      model.Auth{Method: model.AuthPassword, Password: "pw"},
		Roles:     []string{"proxy"},
	})
	require.NoError(t, err)

	task, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30",
		[]model.Credential{{Username: "root"}})
	require.NoError(t, err)

	got := f.waitScan(t, task.ID)
	up := machineByIP(t, machinesFrom(t, got), "10.0.0.1")
	roles, ok := up["recommended_roles"].([]any)
	require.True(t, ok)
	assert.Contains(t, roles, "web")
	assert.NotContains(t, roles, "proxy")
}

func TestScanNetwork_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ScanNetwork(context.Background(), "10.0.0.0/30", nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.ScanNetwork(context.Background(), "bogus",
		[]model.Credential{{Username: "root"}})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.ScanNetwork(context.Background(), "10.0.0.0/30",
		[]model.Credential{{Password: "pw"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAutoSetup(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "node-a", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}

	results, err := f.svc.AutoSetup([]AutoSetupMachine{{
		Name:        "node-a",
		IPAddress:   "10.0.0.1",
		Username:    "root",
		Password:    "pw",
		ServiceType: "nginx",
		Roles:       []string{"web"},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[0].ServerID)
	assert.NotEmpty(t, results[0].TaskID)

	srv, err := f.reg.Get(results[0].ServerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, srv.Roles)

	task, err := f.sched.Get(results[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAutoSetup, task.Type)
}

func TestAutoSetup_DefaultService(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "node-a", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}

	results, err := f.svc.AutoSetup([]AutoSetupMachine{{
		IPAddress: "10.0.0.1",
		Username:  "root",
		Password:  "pw",
		Roles:     []string{"web"},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)

	task, err := f.sched.Get(results[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, "docker", task.ServiceType)
}

func TestAutoSetup_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.hosts["10.0.0.1"] = hostSpec{
		facts: model.SystemFacts{Hostname: "node-a", CPUCores: 4, MemoryGB: 8, DiskGB: 100},
	}

	machines := []AutoSetupMachine{
		{Name: "bad", IPAddress: "not-an-ip", Username: "root", Password: "pw", ServiceType: "nginx"},
		{Name: "good", IPAddress: "10.0.0.1", Username: "root", Password: "pw", ServiceType: "nginx"},
	}
	results, err := f.svc.AutoSetup(machines)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[0].ServerID)

	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[1].TaskID)
}

func TestAutoSetup_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AutoSetup(nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}
