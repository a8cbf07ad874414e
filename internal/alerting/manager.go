// Package alerting manages the alert lifecycle and notification fan-out.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/notify"
	"github.com/tovfikur/fleetd/internal/store"
)

// notifyTimeout bounds each provider call so a slow endpoint cannot stall
// a monitor tick.
const notifyTimeout = 15 * time.Second

// Manager deduplicates and transitions alerts. The mutex serializes the
// check-then-write in Raise and ClearIfActive so concurrent probe
// goroutines cannot race the active-key lookup; the partial unique index in
// the store is the backstop.
type Manager struct {
	mu        sync.Mutex
	store     *store.Store
	providers []notify.Provider
	logger    *slog.Logger
}

// New creates an alert manager with the given notification providers.
func New(st *store.Store, providers []notify.Provider, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		providers: providers,
		logger:    logger.With("component", "alerting"),
	}
}

// Breach describes one threshold violation observed by the monitor.
type Breach struct {
	ServerID   string
	ServerName string
	MetricName string
	Value      float64
	Severity   model.Severity
	Message    string
}

// Raise records a breach. If an Active alert already exists for the
// (server, metric) pair it is updated in place and no notification is
// sent; otherwise a new alert is created and pushed to all providers.
func (m *Manager) Raise(ctx context.Context, b Breach) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.ActiveAlertByKey(b.ServerID, b.MetricName)
	if err == nil {
		if err := m.store.UpdateAlertBreach(existing.ID, b.Value, b.Severity, b.Message); err != nil {
			return nil, err
		}
		existing.MetricValue = b.Value
		existing.Severity = b.Severity
		existing.Message = b.Message
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	alert := &model.Alert{
		ID:              uuid.NewString(),
		Severity:        b.Severity,
		Title:           fmt.Sprintf("%s %s on %s", b.MetricName, b.Severity, b.ServerName),
		Message:         b.Message,
		ServerID:        b.ServerID,
		MetricName:      b.MetricName,
		MetricValue:     b.Value,
		Status:          model.AlertActive,
		FirstOccurrence: now,
		UpdatedAt:       now,
	}
	if err := m.store.InsertAlert(alert); err != nil {
		return nil, err
	}

	m.logger.Warn("alert raised", "alert_id", alert.ID, "server_id", b.ServerID,
		"metric", b.MetricName, "value", b.Value, "severity", b.Severity)
	m.dispatch(ctx, alert)
	return alert, nil
}

// ClearIfActive auto-resolves the Active alert for (serverID, metric) when
// the metric has returned to normal. Acknowledged alerts are left for an
// operator to resolve; a missing alert is not an error.
func (m *Manager) ClearIfActive(serverID, metric string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.store.ActiveAlertByKey(serverID, metric)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.store.SetAlertStatus(alert.ID, model.AlertResolved, "auto-resolved: metric back under threshold"); err != nil {
		return err
	}
	m.logger.Info("alert auto-resolved", "alert_id", alert.ID, "server_id", serverID, "metric", metric)
	return nil
}

// Acknowledge marks an Active alert as seen by an operator. Only Active
// alerts can be acknowledged.
func (m *Manager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.store.GetAlert(id)
	if err != nil {
		return err
	}
	if alert.Status != model.AlertActive {
		return fmt.Errorf("%w: cannot acknowledge %s alert %s", model.ErrInvalidTransition, alert.Status, id)
	}
	return m.store.SetAlertStatus(id, model.AlertAcknowledged, alert.ResolutionNotes)
}

// Resolve closes an Active or Acknowledged alert with operator notes.
func (m *Manager) Resolve(id, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.store.GetAlert(id)
	if err != nil {
		return err
	}
	if alert.Status == model.AlertResolved {
		return fmt.Errorf("%w: alert %s already resolved", model.ErrInvalidTransition, id)
	}
	return m.store.SetAlertStatus(id, model.AlertResolved, notes)
}

// Get fetches one alert by id.
func (m *Manager) Get(id string) (*model.Alert, error) {
	return m.store.GetAlert(id)
}

// List returns alerts matching the filter.
func (m *Manager) List(filter store.AlertFilter) ([]*model.Alert, error) {
	return m.store.ListAlerts(filter)
}

// dispatch pushes the alert to every provider. Delivery failures are
// logged and never fail the alert write.
func (m *Manager) dispatch(ctx context.Context, alert *model.Alert) {
	if len(m.providers) == 0 {
		return
	}
	n := model.Notification{
		AlertID:    alert.ID,
		Severity:   alert.Severity,
		Title:      alert.Title,
		Message:    alert.Message,
		ServerID:   alert.ServerID,
		MetricName: alert.MetricName,
		Timestamp:  alert.FirstOccurrence,
	}
	for _, p := range m.providers {
		sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := p.Send(sendCtx, n); err != nil {
			m.logger.Error("notification failed", "provider", p.Name(), "alert_id", alert.ID, "error", err)
		}
		cancel()
	}
}
