// Package monitor runs the periodic health check loop over the fleet.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tovfikur/fleetd/internal/alerting"
	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/store"
)

// Options tune the monitor loop.
type Options struct {
	Interval          time.Duration
	ProbeTimeout      time.Duration
	ProbeConcurrency  int
	WarningThreshold  float64
	CriticalThreshold float64
}

// Monitor probes every non-disabled server on a fixed interval, scores its
// health, and raises or clears threshold alerts. Ticks run back to back on
// the same goroutine, so a slow pass delays the next one instead of
// overlapping it.
type Monitor struct {
	registry *registry.Registry
	alerts   *alerting.Manager
	exec     remote.Executor
	opts     Options
	logger   *slog.Logger
}

// New creates a health monitor.
func New(reg *registry.Registry, alerts *alerting.Manager, exec remote.Executor, opts Options, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry: reg,
		alerts:   alerts,
		exec:     exec,
		opts:     opts,
		logger:   logger.With("component", "monitor"),
	}
}

// Run executes health passes until the context is cancelled. The first
// pass starts immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.opts.Interval, "concurrency", m.opts.ProbeConcurrency)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("health pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckAll runs one health pass over all non-disabled servers with bounded
// concurrency.
func (m *Monitor) CheckAll(ctx context.Context) error {
	servers, err := m.registry.List(store.ServerFilter{})
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ProbeConcurrency)
	for _, srv := range servers {
		if srv.Status == model.ServerDisabled {
			continue
		}
		g.Go(func() error {
			m.checkOne(gctx, srv)
			return nil
		})
	}
	return g.Wait()
}

// CheckServer runs an immediate health check for one server.
func (m *Monitor) CheckServer(ctx context.Context, id string) (*model.Server, error) {
	srv, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if srv.Status == model.ServerDisabled {
		return nil, fmt.Errorf("%w: server %s is disabled", model.ErrInvalidTransition, id)
	}
	m.checkOne(ctx, srv)
	return m.registry.Get(id)
}

// checkOne probes a single server and persists the outcome. Probe failures
// mark the server Unreachable with a zero score; alert writes that fail
// are logged and do not abort the pass.
func (m *Monitor) checkOne(ctx context.Context, srv *model.Server) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	now := time.Now().UTC()
	usage, err := remote.SampleUsage(probeCtx, m.exec, registry.EndpointFor(srv))
	if err != nil {
		m.logger.Warn("server unreachable", "server_id", srv.ID, "name", srv.Name, "error", err)
		if uerr := m.registry.UpdateHealth(srv.ID, 0, model.ServerUnreachable, now); uerr != nil {
			m.logger.Error("health update failed", "server_id", srv.ID, "error", uerr)
			return
		}
		m.raise(ctx, alerting.Breach{
			ServerID:   srv.ID,
			ServerName: srv.Name,
			MetricName: model.MetricNodeUnreachable,
			Value:      0,
			Severity:   model.SeverityCritical,
			Message:    fmt.Sprintf("health probe failed: %v", err),
		})
		return
	}

	score := healthScore(usage)
	if err := m.registry.UpdateHealth(srv.ID, score, model.ServerActive, now); err != nil {
		m.logger.Error("health update failed", "server_id", srv.ID, "error", err)
		return
	}
	m.logger.Debug("server healthy", "server_id", srv.ID, "score", score,
		"cpu", usage.CPUPct, "mem", usage.MemPct, "disk", usage.DiskPct)

	m.clear(srv.ID, model.MetricNodeUnreachable)
	m.evaluate(ctx, srv, model.MetricCPUUsage, usage.CPUPct)
	m.evaluate(ctx, srv, model.MetricMemoryUsage, usage.MemPct)
	m.evaluate(ctx, srv, model.MetricDiskUsage, usage.DiskPct)
}

// evaluate compares one utilization metric against the thresholds and
// raises or clears the corresponding alert.
func (m *Monitor) evaluate(ctx context.Context, srv *model.Server, metric string, value float64) {
	var severity model.Severity
	var threshold float64
	switch {
	case value > m.opts.CriticalThreshold:
		severity, threshold = model.SeverityCritical, m.opts.CriticalThreshold
	case value > m.opts.WarningThreshold:
		severity, threshold = model.SeverityWarning, m.opts.WarningThreshold
	default:
		m.clear(srv.ID, metric)
		return
	}

	m.raise(ctx, alerting.Breach{
		ServerID:   srv.ID,
		ServerName: srv.Name,
		MetricName: metric,
		Value:      value,
		Severity:   severity,
		Message:    fmt.Sprintf("%s at %.1f%% (threshold %.1f%%)", metric, value, threshold),
	})
}

func (m *Monitor) raise(ctx context.Context, b alerting.Breach) {
	if _, err := m.alerts.Raise(ctx, b); err != nil {
		m.logger.Error("raising alert failed", "server_id", b.ServerID, "metric", b.MetricName, "error", err)
	}
}

func (m *Monitor) clear(serverID, metric string) {
	if err := m.alerts.ClearIfActive(serverID, metric); err != nil {
		m.logger.Error("clearing alert failed", "server_id", serverID, "metric", metric, "error", err)
	}
}

// healthScore derives a 0-100 score from the most constrained resource.
func healthScore(u model.UsageSample) int {
	worst := u.CPUPct
	if u.MemPct > worst {
		worst = u.MemPct
	}
	if u.DiskPct > worst {
		worst = u.DiskPct
	}
	score := int(100 - worst)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
