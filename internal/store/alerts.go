package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tovfikur/fleetd/internal/model"
)

// AlertFilter narrows ListAlerts results. Zero values match everything.
type AlertFilter struct {
	Status   model.AlertStatus
	ServerID string
}

// InsertAlert persists a new alert.
func (s *Store) InsertAlert(a *model.Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts
		(id, severity, title, message, server_id, domain_id, metric_name,
		 metric_value, status, first_occurrence, updated_at, resolution_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Severity, a.Title, a.Message, a.ServerID, a.DomainID,
		a.MetricName, a.MetricValue, a.Status, a.FirstOccurrence.Unix(),
		a.UpdatedAt.Unix(), a.ResolutionNotes,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// GetAlert fetches an alert by id.
func (s *Store) GetAlert(id string) (*model.Alert, error) {
	row := s.db.QueryRow(alertSelect+` WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", model.ErrNotFound, id)
	}
	return a, err
}

// ActiveAlertByKey returns the Active alert for (serverID, metric), or
// ErrNotFound. The partial unique index guarantees at most one exists.
func (s *Store) ActiveAlertByKey(serverID, metric string) (*model.Alert, error) {
	row := s.db.QueryRow(alertSelect+` WHERE server_id = ? AND metric_name = ? AND status = 'active'`,
		serverID, metric)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: active alert for %s/%s", model.ErrNotFound, serverID, metric)
	}
	return a, err
}

// UpdateAlertBreach refreshes metric value, severity, and message of an
// existing alert in place (repeated breach of an already-alerting metric).
func (s *Store) UpdateAlertBreach(id string, value float64, severity model.Severity, message string) error {
	res, err := s.db.Exec(`
		UPDATE alerts SET metric_value = ?, severity = ?, message = ?, updated_at = ?
		WHERE id = ?`,
		value, severity, message, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating alert breach: %w", err)
	}
	return requireRow(res, id)
}

// SetAlertStatus transitions an alert and records resolution notes.
func (s *Store) SetAlertStatus(id string, status model.AlertStatus, notes string) error {
	res, err := s.db.Exec(`
		UPDATE alerts SET status = ?, resolution_notes = ?, updated_at = ?
		WHERE id = ?`,
		status, notes, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("setting alert status: %w", err)
	}
	return requireRow(res, id)
}

// ListAlerts returns alerts matching the filter, most recently updated first.
func (s *Store) ListAlerts(filter AlertFilter) ([]*model.Alert, error) {
	query := alertSelect
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ServerID != "" {
		conds = append(conds, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

const alertSelect = `
	SELECT id, severity, title, message, server_id, domain_id, metric_name,
	       metric_value, status, first_occurrence, updated_at, resolution_notes
	FROM alerts`

func scanAlert(row rowScanner) (*model.Alert, error) {
	var a model.Alert
	var serverID, domainID, metricName, notes sql.NullString
	var metricValue sql.NullFloat64
	var firstOcc, updatedAt int64

	err := row.Scan(&a.ID, &a.Severity, &a.Title, &a.Message, &serverID,
		&domainID, &metricName, &metricValue, &a.Status, &firstOcc,
		&updatedAt, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning alert: %w", err)
	}

	a.ServerID = serverID.String
	a.DomainID = domainID.String
	a.MetricName = metricName.String
	a.MetricValue = metricValue.Float64
	a.ResolutionNotes = notes.String
	a.FirstOccurrence = time.Unix(firstOcc, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}
