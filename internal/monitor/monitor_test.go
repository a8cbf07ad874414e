package monitor

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

	"github.com/tovfikur/fleetd/internal/alerting"
	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/store"
)

// usageExec serves canned usage samples keyed by host IP. Hosts without an
// entry fail with a connectivity error.
type usageExec struct {
	mu      sync.Mutex
	samples map[string]model.UsageSample
}

func (u *usageExec) set(ip string, s model.UsageSample) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.samples[ip] = s
}

func (u *usageExec) Run(_ context.Context, ep remote.Endpoint, _ string) (remote.Result, error) {
	u.mu.Lock()
	s, ok := u.samples[ep.Host]
	u.mu.Unlock()
	if !ok {
		return remote.Result{}, &remote.ConnectivityError{Addr: ep.Address(), Reason: remote.FailTimeout, Cause: errors.New("i/o timeout")}
	}
	out := fmt.Sprintf("%.1f\n%.1f\n%.1f\n", s.CPUPct, s.MemPct, s.DiskPct)
	return remote.Result{Stdout: out}, nil
}

type fixture struct {
	monitor *Monitor
	reg     *registry.Registry
	alerts  *alerting.Manager
	exec    *usageExec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "fleetd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := &usageExec{samples: make(map[string]model.UsageSample)}
	reg := registry.New(st, exec, 5*time.Second, logger)
	alerts := alerting.New(st, nil, logger)
	mon := New(reg, alerts, exec, Options{
		Interval:          time.Minute,
		ProbeTimeout:      5 * time.Second,
		ProbeConcurrency:  4,
		WarningThreshold:  75,
		CriticalThreshold: 90,
	}, logger)
	return &fixture{monitor: mon, reg: reg, alerts: alerts, exec: exec}
}

func (f *fixture) addServer(t *testing.T, name, ip string) *model.Server {
	t.Helper()
	srv, err := f.reg.Add(registry.AddInput{
		Name:      name,
		IPAddress: ip,
		Port:      22,
		Username:  "deploy",
		Auth:      model.Auth{Method: model.AuthPassword, Password: "x"},
	})
	require.NoError(t, err)
	return srv
}

func TestCheckAll_HealthyServer(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 40, MemPct: 55, DiskPct: 30})

	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.reg.Get(srv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServerActive, got.Status)
	assert.Equal(t, 45, got.HealthScore) // 100 - max(40, 55, 30)
	assert.NotNil(t, got.LastHealthCheck)

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckAll_CriticalCPU(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 95, MemPct: 50, DiskPct: 40})

	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.reg.Get(srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.HealthScore)

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.MetricCPUUsage, active[0].MetricName)
	assert.Equal(t, model.SeverityCritical, active[0].Severity)
	assert.Equal(t, 95.0, active[0].MetricValue)

	// A second breach updates the same alert instead of duplicating it.
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 97, MemPct: 50, DiskPct: 40})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	again, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, active[0].ID, again[0].ID)
	assert.Equal(t, 97.0, again[0].MetricValue)
}

func TestCheckAll_RecoveryAutoResolves(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 95, MemPct: 50, DiskPct: 40})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 40, MemPct: 50, DiskPct: 40})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	assert.Empty(t, active)

	resolved, err := f.alerts.List(store.AlertFilter{Status: model.AlertResolved, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Contains(t, resolved[0].ResolutionNotes, "auto-resolved")
}

func TestCheckAll_AcknowledgedSurvivesRecovery(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 95, MemPct: 50, DiskPct: 40})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NoError(t, f.alerts.Acknowledge(active[0].ID))

	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 40, MemPct: 50, DiskPct: 40})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.alerts.Get(active[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, got.Status)
}

func TestCheckAll_UnreachableServer(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	// No sample registered: every probe fails.

	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.reg.Get(srv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServerUnreachable, got.Status)
	assert.Equal(t, 0, got.HealthScore)

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.MetricNodeUnreachable, active[0].MetricName)
	assert.Equal(t, model.SeverityCritical, active[0].Severity)
}

func TestCheckAll_RecoveryClearsUnreachable(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 20, MemPct: 30, DiskPct: 10})
	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.reg.Get(srv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServerActive, got.Status)
	assert.Equal(t, 70, got.HealthScore)

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckAll_SkipsDisabled(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	require.NoError(t, f.reg.Disable(srv.ID))

	require.NoError(t, f.monitor.CheckAll(context.Background()))

	got, err := f.reg.Get(srv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ServerDisabled, got.Status)
	assert.Nil(t, got.LastHealthCheck)

	active, err := f.alerts.List(store.AlertFilter{ServerID: srv.ID})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckServer(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	f.exec.set("10.0.0.5", model.UsageSample{CPUPct: 80, MemPct: 20, DiskPct: 20})

	got, err := f.monitor.CheckServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.HealthScore)

	active, err := f.alerts.List(store.AlertFilter{Status: model.AlertActive, ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.SeverityWarning, active[0].Severity)
}

func TestCheckServer_Disabled(t *testing.T) {
	f := newFixture(t)
	srv := f.addServer(t, "web-1", "10.0.0.5")
	require.NoError(t, f.reg.Disable(srv.ID))

	_, err := f.monitor.CheckServer(context.Background(), srv.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestHealthScore_Bounds(t *testing.T) {
	assert.Equal(t, 100, healthScore(model.UsageSample{}))
	assert.Equal(t, 0, healthScore(model.UsageSample{CPUPct: 120}))
	assert.Equal(t, 5, healthScore(model.UsageSample{CPUPct: 10, MemPct: 95, DiskPct: 50}))
}
