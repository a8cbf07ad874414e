package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tovfikur/fleetd/internal/model"
)

// InsertDomainMapping persists a new domain mapping.
func (s *Store) InsertDomainMapping(d *model.DomainMapping) error {
	_, err := s.db.Exec(`
		INSERT INTO domain_mappings
		(id, custom_domain, target_subdomain, ssl_enabled, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CustomDomain, d.TargetSubdomain, boolToInt(d.SSLEnabled),
		d.Status, d.CreatedAt.Unix(), d.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: domain %s", model.ErrValidation, d.CustomDomain)
		}
		return fmt.Errorf("inserting domain mapping: %w", err)
	}
	return nil
}

// ListDomainMappings returns all domain mappings, newest first.
func (s *Store) ListDomainMappings() ([]*model.DomainMapping, error) {
	rows, err := s.db.Query(`
		SELECT id, custom_domain, target_subdomain, ssl_enabled, status, created_at, updated_at
		FROM domain_mappings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing domain mappings: %w", err)
	}
	defer rows.Close()

	var domains []*model.DomainMapping
	for rows.Next() {
		var d model.DomainMapping
		var sslEnabled int
		var createdAt, updatedAt int64
		if err := rows.Scan(&d.ID, &d.CustomDomain, &d.TargetSubdomain,
			&sslEnabled, &d.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning domain mapping: %w", err)
		}
		d.SSLEnabled = sslEnabled != 0
		d.CreatedAt = time.Unix(createdAt, 0)
		d.UpdatedAt = time.Unix(updatedAt, 0)
		domains = append(domains, &d)
	}
	return domains, rows.Err()
}

// DeleteDomainMapping removes a domain mapping by id.
func (s *Store) DeleteDomainMapping(id string) error {
	res, err := s.db.Exec(`DELETE FROM domain_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting domain mapping: %w", err)
	}
	return requireRow(res, id)
}

// Overview aggregates the dashboard counters in a handful of queries.
func (s *Store) Overview() (model.Overview, error) {
	var o model.Overview

	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&o.ServersTotal, `SELECT COUNT(*) FROM servers`, nil},
		{&o.ServersActive, `SELECT COUNT(*) FROM servers WHERE status = 'active'`, nil},
		{&o.DomainsTotal, `SELECT COUNT(*) FROM domain_mappings`, nil},
		{&o.DomainsActive, `SELECT COUNT(*) FROM domain_mappings WHERE status = 'active'`, nil},
		{&o.DeploymentsToday, `SELECT COUNT(*) FROM deployment_tasks WHERE created_at >= ?`,
			[]any{time.Now().Add(-24 * time.Hour).Unix()}},
		{&o.AlertsActive, `SELECT COUNT(*) FROM alerts WHERE status = 'active'`, nil},
		{&o.AlertsCritical, `SELECT COUNT(*) FROM alerts WHERE status = 'active' AND severity = 'critical'`, nil},
	}

	for _, c := range counts {
		if err := s.db.QueryRow(c.query, c.args...).Scan(c.dest); err != nil &&
			!errors.Is(err, sql.ErrNoRows) {
			return model.Overview{}, fmt.Errorf("overview count: %w", err)
		}
	}
	return o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
